/*******************************************************************************
 * Copyright (c) 2026 Genome Research Ltd.
 *
 * Authors:
 *   Sendu Bala <sb10@sanger.ac.uk>
 *
 * Permission is hereby granted, free of charge, to any person obtaining
 * a copy of this software and associated documentation files (the
 * "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish,
 * distribute, sublicense, and/or sell copies of the Software, and to
 * permit persons to whom the Software is furnished to do so, subject to
 * the following conditions:
 *
 * The above copyright notice and this permission notice shall be included
 * in all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND,
 * EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF
 * MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY
 * CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER IN AN ACTION OF CONTRACT,
 * TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 ******************************************************************************/

package cmd

import (
	"github.com/spf13/cobra"
)

var cleanViewOnly bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete expired backups and leftover staging files",
	Long: `Delete expired backups and leftover staging files.

Builds already schedule these deletions in the background, but files can be
left behind if a reader held them open or the process exited first. In
particular a one-shot 'forumstore build' exits without waiting out the
cleanup grace delay, so the files it would have deleted are left for this
command.

Deletion waits out the configured cleanup grace delay first.

Backups beyond the configured retain_backups are deleted, along with every
staging or restore file, except those of versions still in progress and the
staging files of versions whose swap failed, which are kept for inspection.

The --view/-v flag can be used to see what would be deleted without deleting
anything.`,
	Run: func(_ *cobra.Command, _ []string) {
		setCLIFormat()

		e := openEngine(nil)
		defer closeEngine(e)

		paths, err := e.ExpiredArtifacts()
		if err != nil {
			die("failed to find old files: %s", err)
		}

		for _, path := range paths {
			cliPrint("%s\n", path)
		}

		if !cleanViewOnly {
			e.Cleanup()
			e.WaitForCleanup()
		}
	},
}

func init() {
	RootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolVarP(&cleanViewOnly, "view", "v", false,
		"show the files that would be deleted without deleting them")
}
