/*******************************************************************************
 * Copyright (c) 2025, 2026 Genome Research Ltd.
 *
 * Author: Michael Woolnough <mw31@sanger.ac.uk>
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
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/wtsi-hgi/forumstore/engine"
	internaltest "github.com/wtsi-hgi/forumstore/internal/test"
)

const app = "forumstore_test"

func TestMain(m *testing.M) {
	d1 := buildSelf()
	if d1 == nil {
		return
	}

	defer os.Exit(m.Run())
	defer d1()
}

func buildSelf() func() {
	cmd := exec.Command(
		"go", "build", "-tags", "netgo",
		"-ldflags=-X github.com/wtsi-hgi/forumstore/cmd.Version=TESTVERSION",
		"-o", app,
	)

	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		failMainTest(err.Error())

		return nil
	}

	return func() {
		os.Remove(app)
	}
}

func failMainTest(err string) {
	fmt.Println(err) //nolint:forbidigo
}

func TestVersion(t *testing.T) {
	Convey("forumstore prints the correct version", t, func() {
		output, stderr, err := runForumstore("version")
		So(err, ShouldBeNil)
		So(strings.TrimSpace(output), ShouldEqual, "TESTVERSION")
		So(stderr, ShouldBeBlank)
	})
}

const testConfig = `active_path: %s
scratch_dir: %s
protected: [wordcloud_cache]
policies:
  users: merge:user_id:snapshot
swap:
  base_delay: 1ms
  max_delay: 5ms
cleanup:
  grace: 1ms
  retry: 1ms
retain_backups: 1
`

func TestBuildAndRollback(t *testing.T) {
	for _, key := range engine.EnvKeys {
		t.Setenv(key, "")
	}

	Convey("Given a config, an active store and a source", t, func() {
		dir := t.TempDir()
		active := filepath.Join(dir, "forum.db")
		scratch := filepath.Join(dir, "scratch")

		stmts := internaltest.NumberedRows("wordcloud_cache", 5)
		stmts = append(stmts,
			"CREATE TABLE users (user_id INTEGER PRIMARY KEY, name TEXT)",
			"INSERT INTO users VALUES (1, 'A')",
		)
		internaltest.NewStoreFile(active, stmts...)

		cfgPath := filepath.Join(dir, "forumstore.yml")
		So(os.WriteFile(cfgPath, fmt.Appendf(nil, testConfig, active, scratch), 0o600), ShouldBeNil)

		users := filepath.Join(dir, "users.jsonl")
		So(os.WriteFile(users, []byte(`{"user_id": 1, "name": "B"}`+"\n"+`{"user_id": 2, "name": "C"}`+"\n"), 0o600),
			ShouldBeNil)

		Convey("build merges the source and swaps in the new store", func() {
			output, stderr, err := runForumstore("build", "-c", cfgPath, "-k", "incremental",
				"-s", "users="+users, "--metrics-file", filepath.Join(dir, "forumstore.prom"))
			So(err, ShouldBeNil)
			So(stderr, ShouldContainSubstring, "2 rows affected")

			id := strings.TrimSpace(output)
			So(id, ShouldNotBeBlank)

			So(internaltest.CountRows(active, "users"), ShouldEqual, 2)
			So(internaltest.CountRows(active, "wordcloud_cache"), ShouldEqual, 5)

			_, err = os.Stat(filepath.Join(dir, "forumstore.prom"))
			So(err, ShouldBeNil)

			output, _, err = runForumstore("versions", "-c", cfgPath)
			So(err, ShouldBeNil)
			So(output, ShouldContainSubstring, id)
			So(output, ShouldContainSubstring, "completed")

			output, _, err = runForumstore("changes", "-c", cfgPath, id)
			So(err, ShouldBeNil)
			So(output, ShouldContainSubstring, "update")
			So(output, ShouldContainSubstring, "insert")

			output, _, err = runForumstore("verify", "-c", cfgPath)
			So(err, ShouldBeNil)
			So(output, ShouldContainSubstring, "Integrity: ok")

			Convey("and rollback restores the previous store", func() {
				_, _, err = runForumstore("rollback", "-c", cfgPath, id)
				So(err, ShouldBeNil)
				So(internaltest.CountRows(active, "users"), ShouldEqual, 1)

				output, _, err = runForumstore("show", "-c", cfgPath, id)
				So(err, ShouldBeNil)
				So(output, ShouldContainSubstring, "Status: completed")
			})
		})

		Convey("build fails with a bad source", func() {
			_, _, err := runForumstore("build", "-c", cfgPath, "-s", "users")
			So(err, ShouldNotBeNil)

			_, _, err = runForumstore("build", "-c", cfgPath, "-s", "users="+filepath.Join(dir, "missing.jsonl"))
			So(err, ShouldNotBeNil)
		})

		Convey("clean removes leftover staging files", func() {
			So(os.MkdirAll(scratch, 0o750), ShouldBeNil)

			stray := filepath.Join(scratch, "forum.db.staging_old")
			So(os.WriteFile(stray, []byte("x"), 0o600), ShouldBeNil)

			output, _, err := runForumstore("clean", "-c", cfgPath, "--view")
			So(err, ShouldBeNil)
			So(output, ShouldContainSubstring, stray)

			_, err = os.Stat(stray)
			So(err, ShouldBeNil)

			_, _, err = runForumstore("clean", "-c", cfgPath)
			So(err, ShouldBeNil)

			_, err = os.Stat(stray)
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}

func runForumstore(args ...string) (string, string, error) {
	var stdout, stderr strings.Builder

	cmd := exec.CommandContext(context.Background(), "./"+app, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}
