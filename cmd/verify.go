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
	"context"
	"strings"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the integrity of the active store",
	Long: `Check the integrity of the active store.

Runs an integrity check on the active store and checks that it has every
configured protected table. Exits non-zero if either check fails.`,
	Run: func(_ *cobra.Command, _ []string) {
		e := openEngine(nil)
		defer closeEngine(e)

		report, err := e.Verify(context.Background())
		if err != nil {
			die("%s", err)
		}

		cliPrint("Store: %s\nTables: %s\n", report.Path, strings.Join(report.Tables, ", "))

		if report.Integrity != nil {
			cliPrint("Integrity: %s\n", report.Integrity)
		} else {
			cliPrint("Integrity: ok\n")
		}

		if len(report.MissingProtected) > 0 {
			cliPrint("Missing protected tables: %s\n", strings.Join(report.MissingProtected, ", "))
		}

		if !report.OK() {
			closeEngine(e)
			die("store failed verification")
		}
	},
}

func init() {
	RootCmd.AddCommand(verifyCmd)
}
