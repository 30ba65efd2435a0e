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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/wtsi-hgi/forumstore/builder"
	"github.com/wtsi-hgi/forumstore/engine"
	"github.com/wtsi-hgi/forumstore/internal/rowsource"
	"github.com/wtsi-hgi/forumstore/metrics"
	"github.com/wtsi-hgi/forumstore/version"
)

var errBadSource = errors.New("source must be given as table=path")

// options for this cmd.
var (
	buildKind        string
	buildSources     []string
	buildFailFast    bool
	buildMetricsFile string
)

// buildCmd represents the build command.
var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build a new version of the store and swap it in",
	Long: `Build a new version of the store and swap it in.

Each --source is given as table=path, where path is a JSON-lines file (gzipped
if it ends in .gz) of flat objects, one row per line. Sources are imported in
the order given, under the policy configured for their table: replaced
wholesale, or merged by key with the changes recorded.

Protected tables configured in the config file are carried into every version
and can't be the target of a source.

A --kind of 'full' (the default) builds the store from protected tables and the
given sources only. 'incremental' also carries forward every other table of the
active store.

A source that fails to import is logged and skipped, leaving the table as it
was, unless --fail-fast is given or configured, in which case the build fails.

If the active store is held open by readers and can't be replaced, the swap is
retried with backoff as configured. A build that fails leaves the active store
as it was.

Old backups and staging files are only deleted once the cleanup grace delay
has passed, so readers still holding them can let go. This command exits
without waiting for that, leaving them for 'forumstore clean'.

With --metrics-file, prometheus metrics about the build are written to the
given path in the text exposition format, suitable for node_exporter's
textfile collector.

Exits non-zero if the version failed.`,
	Run: func(_ *cobra.Command, _ []string) {
		sources, err := openSources(buildSources)
		if err != nil {
			die("%s", err)
		}

		var m *metrics.Metrics
		if buildMetricsFile != "" {
			m = metrics.New()
		}

		e := openEngine(m)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		result := e.BuildAndSwap(ctx, engine.Request{
			Kind:     version.Kind(buildKind),
			Sources:  sources,
			FailFast: buildFailFast,
		})

		stop()
		closeEngine(e)

		if m != nil {
			if err = m.WriteTextfile(buildMetricsFile); err != nil {
				warn("failed to write metrics: %s", err)
			}
		}

		reportResult(result)
	},
}

func init() {
	RootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVarP(&buildKind, "kind", "k", string(version.KindFull),
		"kind of build: full or incremental")
	buildCmd.Flags().StringArrayVarP(&buildSources, "source", "s", nil,
		"table=path of a JSON-lines source (repeatable)")
	buildCmd.Flags().BoolVar(&buildFailFast, "fail-fast", false,
		"fail the build if any source fails")
	buildCmd.Flags().StringVar(&buildMetricsFile, "metrics-file", "",
		"write prometheus metrics to this file")
}

// openSources opens each table=path source.
func openSources(specs []string) ([]builder.Source, error) {
	sources := make([]builder.Source, 0, len(specs))

	for _, spec := range specs {
		table, path, ok := strings.Cut(spec, "=")
		if !ok || table == "" || path == "" {
			return nil, fmt.Errorf("%w: %q", errBadSource, spec)
		}

		r, err := rowsource.Open(path)
		if err != nil {
			return nil, err
		}

		sources = append(sources, builder.Source{ID: path, Table: table, Rows: r})
	}

	return sources, nil
}

// reportResult prints the outcome of a build or rollback, and dies if it
// failed.
func reportResult(result *engine.VersionResult) {
	for _, err := range result.SourceErrors {
		warn("%s", err)
	}

	if result.Status != version.StatusCompleted {
		if result.VersionID == "" {
			die("build failed: %s", result.Err)
		}

		if result.Swapped {
			die("version %s is now the active store, but is still %s in the registry: %s",
				result.VersionID, result.Status, result.Err)
		}

		die("version %s failed after %d swap attempt(s): %s", result.VersionID, result.Attempts, result.Err)
	}

	info("version %s completed: %d rows affected, %d swap attempt(s)",
		result.VersionID, result.AffectedRows, result.Attempts)
	cliPrint("%s\n", result.VersionID)
}
