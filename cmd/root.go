/*******************************************************************************
 * Copyright (c) 2021, 2026 Genome Research Ltd.
 *
 * Author: Sendu Bala <sb10@sanger.ac.uk>
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

// package cmd is the cobra file that enables subcommands and handles
// command-line args.

package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/spf13/cobra"
)

// Version gets set during build.
var Version string //nolint:gochecknoglobals

// appLogger is used for logging events in our commands.
var appLogger = log15.New()

// options shared by all subcommands.
var (
	configPath string
	logPath    string
	debug      bool
)

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "forumstore",
	Short: "forumstore builds and publishes versions of a forum analytics store.",
	Long: `forumstore builds and publishes versions of a forum analytics store.

New versions are built in a staging file next to a scratch directory, never in
the live store, and are then swapped in with an atomic rename, retrying while
readers hold the old store open.

The 'build' subcommand builds a version from JSON-lines sources and swaps it in.

The 'versions', 'show' and 'changes' subcommands describe past versions.

The 'rollback' subcommand re-activates the store as it was before a version.

The 'verify' subcommand checks the integrity of the active store.

The 'clean' subcommand deletes expired backups and leftover staging files.

Configuration comes from the YAML file given with --config, overridden by the
environment variables FORUMSTORE_ACTIVE_PATH, FORUMSTORE_SCRATCH_DIR,
FORUMSTORE_SWAP_ATTEMPTS and FORUMSTORE_GRACE_DELAY, which may also be set in
.env or .env.local files in the working directory.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if debug {
			setLogLevel(log15.LvlDebug)
		}

		if logPath != "" {
			logToFile(logPath)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(_ *cobra.Command, _ []string) {
		cliPrint("%s\n", Version)
	},
}

func init() {
	// set up logging to stderr
	setLogLevel(log15.LvlInfo)

	RootCmd.AddCommand(versionCmd)

	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to YAML config file")
	RootCmd.PersistentFlags().StringVar(&logPath, "log", "",
		"log to this file instead of STDERR")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"log debug messages")
}

func setLogLevel(lvl log15.Lvl) {
	appLogger.SetHandler(log15.LvlFilterHandler(lvl, log15.StderrHandler))
}

// cliPrint outputs the message to STDOUT.
func cliPrint(msg string, a ...any) {
	fmt.Fprintf(os.Stdout, msg, a...)
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...any) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once to
// the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		die("%s", err.Error())
	}
}

// die is a convenience to log a message at the Error level and exit non zero.
func die(msg string, a ...any) {
	appLogger.Error(fmt.Sprintf(msg, a...))
	os.Exit(1)
}

// logToFile logs to the given file.
func logToFile(path string) {
	fh, err := log15.FileHandler(path, log15.LogfmtFormat())
	if err != nil {
		warn("Could not log to file [%s]: %s", path, err)

		return
	}

	lvl := log15.LvlInfo
	if debug {
		lvl = log15.LvlDebug
	}

	appLogger.SetHandler(log15.LvlFilterHandler(lvl, fh))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...any) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// setCLIFormat logs plain text log messages to STDERR.
func setCLIFormat() {
	appLogger.SetHandler(log15.StreamHandler(os.Stderr, cliFormat()))
}

// cliFormat returns a log15.Format that only prints the plain log msg.
func cliFormat() log15.Format { //nolint:ireturn
	return log15.FormatFunc(func(r *log15.Record) []byte {
		b := &bytes.Buffer{}
		fmt.Fprintf(b, "%s\n", r.Msg)

		return b.Bytes()
	})
}
