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
	"fmt"
	"os"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/dustin/go-humanize" //nolint:misspell
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/wtsi-hgi/forumstore/version"
)

const (
	defaultListLimit = 20
	maxValueWidth    = 60
	noValue          = "-"
)

// options for these cmds.
var (
	listLimit    int
	changesLimit int
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List past versions of the store",
	Long: `List past versions of the store, newest first.

The Backup column gives the size of the backup of the store taken before the
version was swapped in, if it is still retained and so can be rolled back to
with 'forumstore rollback <id>'.`,
	Run: func(_ *cobra.Command, _ []string) {
		e := openEngine(nil)
		defer closeEngine(e)

		versions, err := e.ListVersions(listLimit)
		if err != nil {
			die("failed to list versions: %s", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Kind", "Status", "Started", "Took", "Affected", "Backup", "Details"})

		for _, v := range versions {
			table.Append(versionColumns(v))
		}

		table.Render()
	},
}

var showCmd = &cobra.Command{
	Use:   "show <version id>",
	Short: "Describe one version of the store",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		e := openEngine(nil)
		defer closeEngine(e)

		v, err := e.GetVersion(args[0])
		if err != nil {
			die("%s", err)
		}

		cols := versionColumns(v)

		cliPrint("ID: %s\nKind: %s\nStatus: %s\nStarted: %s (%s)\nTook: %s\nAffected rows: %s\n",
			v.ID, v.Kind, v.Status, v.StartedAt.Format(time.RFC3339), cols[3], cols[4], cols[5])
		cliPrint("Backup: %s (%s)\nDetails: %s\n", valueOr(v.BackupPath), cols[6], valueOr(v.Details))
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes <version id>",
	Short: "List the row changes a version made to merged tables",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		e := openEngine(nil)
		defer closeEngine(e)

		changes, err := e.Changes(args[0], changesLimit)
		if err != nil {
			die("%s", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Table", "Key", "Change", "Old", "New"})
		table.SetAutoWrapText(false)

		for _, c := range changes {
			table.Append([]string{c.Table, c.Key, string(c.Type), snapshot(c.OldValue), snapshot(c.NewValue)})
		}

		table.Render()
	},
}

func init() {
	RootCmd.AddCommand(versionsCmd)
	RootCmd.AddCommand(showCmd)
	RootCmd.AddCommand(changesCmd)

	versionsCmd.Flags().IntVarP(&listLimit, "limit", "n", defaultListLimit,
		"show at most this many versions (0 for all)")
	changesCmd.Flags().IntVarP(&changesLimit, "limit", "n", 0,
		"show at most this many changes (0 for all)")
}

// versionColumns returns the column data to display in the table for a given
// version.
func versionColumns(v *version.StoreVersion) []string {
	took := noValue
	if completed, ok := v.Completed(); ok {
		took = completed.Sub(v.StartedAt).Round(time.Millisecond).String()
	}

	return []string{
		v.ID,
		string(v.Kind),
		string(v.Status),
		humanize.Time(v.StartedAt),
		took,
		humanize.Comma(v.AffectedRows),
		backupSize(v.BackupPath),
		v.Details,
	}
}

// backupSize returns the human readable size of the backup at path, or "-" if
// it is no longer retained.
func backupSize(path string) string {
	if path == "" {
		return noValue
	}

	fi, err := os.Stat(path)
	if err != nil {
		return noValue
	}

	return bytefmt.ByteSize(uint64(fi.Size())) //nolint:gosec
}

func valueOr(s string) string {
	if s == "" {
		return noValue
	}

	return s
}

// snapshot returns a row snapshot for display, shortened if long.
func snapshot(b []byte) string {
	if b == nil {
		return noValue
	}

	if len(b) > maxValueWidth {
		return fmt.Sprintf("%s...", b[:maxValueWidth])
	}

	return string(b)
}
