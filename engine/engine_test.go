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

package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/wtsi-hgi/forumstore/builder"
	"github.com/wtsi-hgi/forumstore/guard"
	internaltest "github.com/wtsi-hgi/forumstore/internal/test"
	"github.com/wtsi-hgi/forumstore/metrics"
	"github.com/wtsi-hgi/forumstore/policy"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/swap"
	"github.com/wtsi-hgi/forumstore/version"
)

func TestLoadConfig(t *testing.T) {
	for _, key := range EnvKeys {
		t.Setenv(key, "")
	}

	Convey("Given a config file", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "forumstore.yml")

		So(os.WriteFile(path, []byte(`
active_path: /data/forum.db
scratch_dir: /scratch
protected: [wordcloud_cache]
policies:
  users: merge:user_id:snapshot
  posts: replace
swap:
  max_attempts: 3
  base_delay: 10ms
cleanup:
  grace: 1s
retain_backups: 2
`), 0o600), ShouldBeNil)

		Convey("it is loaded with defaults for what it leaves out", func() {
			cfg, err := LoadConfig(path)
			So(err, ShouldBeNil)
			So(cfg.ActivePath, ShouldEqual, "/data/forum.db")
			So(cfg.RegistryPath, ShouldEqual, "/scratch/versions.db")
			So(cfg.Protected, ShouldResemble, []string{"wordcloud_cache"})
			So(cfg.Swap.MaxAttempts, ShouldEqual, 3)
			So(cfg.Swap.BaseDelay, ShouldEqual, 10*time.Millisecond)
			So(cfg.Swap.MaxDelay, ShouldEqual, defaultMaxDelay)
			So(cfg.Swap.Budget, ShouldEqual, defaultSwapBudget)
			So(cfg.Cleanup.Grace, ShouldEqual, time.Second)
			So(cfg.Cleanup.MaxAttempts, ShouldEqual, defaultCleanupAttempts)
			So(cfg.RetainBackups, ShouldEqual, 2)

			m, err := cfg.PolicyMap()
			So(err, ShouldBeNil)
			So(m.Lookup("users"), ShouldResemble, policy.MergeByKey("user_id", policy.ModeSnapshot))
			So(m.Lookup("other"), ShouldResemble, policy.Replace())
		})

		Convey("the environment overrides it", func() {
			t.Setenv(EnvActivePath, "/other/forum.db")
			t.Setenv(EnvSwapAttempts, "7")
			t.Setenv(EnvGraceDelay, "250ms")

			cfg, err := LoadConfig(path)
			So(err, ShouldBeNil)
			So(cfg.ActivePath, ShouldEqual, "/other/forum.db")
			So(cfg.Swap.MaxAttempts, ShouldEqual, 7)
			So(cfg.Cleanup.Grace, ShouldEqual, 250*time.Millisecond)

			t.Setenv(EnvSwapAttempts, "many")

			_, err = LoadConfig(path)

			var cerr *version.ConfigError
			So(errors.As(err, &cerr), ShouldBeTrue)
			So(cerr.Field, ShouldEqual, "swap.max_attempts")
		})
	})

	Convey("Invalid configs are ConfigErrors", t, func() {
		for _, test := range []struct {
			cfg   Config
			field string
		}{
			{Config{ScratchDir: "/s"}, "active_path"},
			{Config{ActivePath: "/a"}, "scratch_dir"},
			{Config{ActivePath: "/a", ScratchDir: "/a"}, "scratch_dir"},
			{Config{ActivePath: "/a", ScratchDir: "/s", Swap: SwapConfig{BaseDelay: time.Minute}}, "swap.max_delay"},
			{Config{ActivePath: "/a", ScratchDir: "/s", RetainBackups: -1}, "retain_backups"},
			{Config{ActivePath: "/a", ScratchDir: "/s", Policies: map[string]string{"users": "merge:user_id"}},
				"policies.users"},
			{Config{ActivePath: "/a", ScratchDir: "/s", Protected: []string{"bad name"}}, "protected"},
		} {
			test.cfg.SetDefaults()

			var cerr *version.ConfigError
			So(errors.As(test.cfg.Validate(), &cerr), ShouldBeTrue)
			So(cerr.Field, ShouldEqual, test.field)
		}

		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
		So(err, ShouldNotBeNil)
	})
}

type fixture struct {
	cfg     Config
	active  string
	metrics *metrics.Metrics
	engine  *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	dir := t.TempDir()
	f := &fixture{
		active: filepath.Join(dir, "forum.db"),
		cfg: Config{
			Protected: []string{"wordcloud_cache"},
			Policies:  map[string]string{"users": "merge:user_id:snapshot"},
			Swap:      SwapConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
			Cleanup:   CleanupConfig{Grace: time.Millisecond, Retry: time.Millisecond, MaxAttempts: 2},

			RetainBackups: 2,
		},
		metrics: metrics.New(),
	}

	f.cfg.ActivePath = f.active
	f.cfg.ScratchDir = filepath.Join(dir, "scratch")

	stmts := internaltest.NumberedRows("wordcloud_cache", 5)
	stmts = append(stmts,
		"CREATE TABLE users (user_id INTEGER PRIMARY KEY, name TEXT)",
		"INSERT INTO users VALUES (1, 'A')",
	)
	internaltest.NewStoreFile(f.active, stmts...)

	opts = append([]Option{
		WithIDGenerator(&version.SequenceIDGenerator{Prefix: "v"}),
		WithMetrics(f.metrics),
	}, opts...)

	var err error

	f.engine, err = Open(f.cfg, opts...)
	So(err, ShouldBeNil)

	return f
}

func (f *fixture) close() {
	So(f.engine.Close(), ShouldBeNil)
}

func usersSource(rows ...store.Row) builder.Source {
	return builder.Source{ID: "users.jsonl", Table: "users", Rows: store.Rows(rows...)}
}

func TestEngine(t *testing.T) {
	ctx := context.Background()

	Convey("Given an engine for an active store with a protected table", t, func() {
		f := newFixture(t)
		defer f.close()

		Convey("a build with no sources keeps the protected table", func() {
			result := f.engine.BuildAndSwap(ctx, Request{})
			So(result.Err, ShouldBeNil)
			So(result.Status, ShouldEqual, version.StatusCompleted)
			So(result.VersionID, ShouldEqual, "v000001")
			So(result.Swapped, ShouldBeTrue)
			So(internaltest.CountRows(f.active, "wordcloud_cache"), ShouldEqual, 5)

			v, err := f.engine.GetVersion(result.VersionID)
			So(err, ShouldBeNil)
			So(v.Status, ShouldEqual, version.StatusCompleted)
			So(v.Kind, ShouldEqual, version.KindFull)

			So(testutil.ToFloat64(f.metrics.Builds.WithLabelValues("full", "completed")), ShouldEqual, 1)
		})

		Convey("a merge build records its changes and affected rows", func() {
			result := f.engine.BuildAndSwap(ctx, Request{
				Kind:    version.KindIncremental,
				Sources: []builder.Source{usersSource(store.Row{"user_id": 1, "name": "B"}, store.Row{"user_id": 2, "name": "C"})},
			})
			So(result.Err, ShouldBeNil)
			So(result.Status, ShouldEqual, version.StatusCompleted)
			So(result.AffectedRows, ShouldEqual, 2)

			changes, err := f.engine.Changes(result.VersionID, 0)
			So(err, ShouldBeNil)
			So(len(changes), ShouldEqual, 2)
			So(changes[0].Type, ShouldEqual, version.ChangeUpdate)
			So(changes[0].Key, ShouldEqual, "1")
			So(changes[1].Type, ShouldEqual, version.ChangeInsert)
			So(changes[1].Key, ShouldEqual, "2")

			v, err := f.engine.GetVersion(result.VersionID)
			So(err, ShouldBeNil)
			So(v.AffectedRows, ShouldEqual, 2)

			So(internaltest.CountRows(f.active, "users"), ShouldEqual, 2)
			So(internaltest.CountRows(f.active, "wordcloud_cache"), ShouldEqual, 5)

			_, err = f.engine.Changes("nope", 0)
			So(errors.Is(err, version.ErrVersionNotFound), ShouldBeTrue)

			Convey("and it can be rolled back", func() {
				before, err := os.ReadFile(backupOf(f.engine, result.VersionID))
				So(err, ShouldBeNil)

				rb, err := f.engine.RollbackTo(ctx, result.VersionID)
				So(err, ShouldBeNil)
				So(rb.Err, ShouldBeNil)
				So(rb.Status, ShouldEqual, version.StatusCompleted)

				after, err := os.ReadFile(f.active)
				So(err, ShouldBeNil)
				So(after, ShouldResemble, before)
				So(internaltest.CountRows(f.active, "users"), ShouldEqual, 1)

				versions, err := f.engine.ListVersions(0)
				So(err, ShouldBeNil)
				So(len(versions), ShouldEqual, 2)
				So(versions[0].Kind, ShouldEqual, version.KindRollback)
			})
		})

		Convey("a source targeting a protected table is refused", func() {
			result := f.engine.BuildAndSwap(ctx, Request{Sources: []builder.Source{
				{ID: "wc", Table: "wordcloud_cache", Rows: store.Rows(store.Row{"id": 1, "val": "x"})},
			}})
			So(result.Err, ShouldBeNil)
			So(result.Status, ShouldEqual, version.StatusCompleted)
			So(len(result.SourceErrors), ShouldEqual, 1)
			So(errors.Is(result.SourceErrors[0], guard.ErrProtectedTarget), ShouldBeTrue)
			So(internaltest.ReadTable(f.active, "wordcloud_cache")[0]["val"], ShouldEqual, "v1")
			So(internaltest.CountRows(f.active, "wordcloud_cache"), ShouldEqual, 5)
		})

		Convey("a failed source is reported but doesn't stop the build", func() {
			result := f.engine.BuildAndSwap(ctx, Request{
				Kind:    version.KindIncremental,
				Sources: []builder.Source{usersSource(store.Row{"name": "no key"})},
			})
			So(result.Err, ShouldBeNil)
			So(result.Status, ShouldEqual, version.StatusCompleted)
			So(len(result.SourceErrors), ShouldEqual, 1)

			var serr *version.SourceImportError
			So(errors.As(result.SourceErrors[0], &serr), ShouldBeTrue)
			So(serr.Table, ShouldEqual, "users")

			So(internaltest.CountRows(f.active, "users"), ShouldEqual, 1)

			Convey("unless it is asked to fail fast", func() {
				result = f.engine.BuildAndSwap(ctx, Request{
					Sources:  []builder.Source{usersSource(store.Row{"name": "no key"})},
					FailFast: true,
				})
				So(result.Status, ShouldEqual, version.StatusFailed)
				So(errors.As(result.Err, &serr), ShouldBeTrue)
			})
		})

		Convey("a bad request fails before any version begins", func() {
			result := f.engine.BuildAndSwap(ctx, Request{Kind: "partial"})
			So(result.Status, ShouldEqual, version.StatusFailed)
			So(result.VersionID, ShouldBeBlank)

			var cerr *version.ConfigError
			So(errors.As(result.Err, &cerr), ShouldBeTrue)

			versions, err := f.engine.ListVersions(0)
			So(err, ShouldBeNil)
			So(versions, ShouldBeEmpty)
		})

		Convey("Verify reports on the active store", func() {
			report, err := f.engine.Verify(ctx)
			So(err, ShouldBeNil)
			So(report.OK(), ShouldBeTrue)
			So(report.Tables, ShouldResemble, []string{"users", "wordcloud_cache"})

			s, err := store.Open(f.active)
			So(err, ShouldBeNil)
			So(s.Exec(ctx, "DROP TABLE wordcloud_cache"), ShouldBeNil)
			So(s.Close(), ShouldBeNil)

			report, err = f.engine.Verify(ctx)
			So(err, ShouldBeNil)
			So(report.OK(), ShouldBeFalse)
			So(report.MissingProtected, ShouldResemble, []string{"wordcloud_cache"})
		})

		Convey("leftover artifacts can be found and cleaned up", func() {
			stray := filepath.Join(f.cfg.ScratchDir, "forum.db.staging_v999999")
			So(os.WriteFile(stray, []byte("x"), 0o600), ShouldBeNil)

			paths, err := f.engine.ExpiredArtifacts()
			So(err, ShouldBeNil)
			So(paths, ShouldResemble, []string{stray})

			f.engine.Cleanup()
			f.engine.WaitForCleanup()
			So(f.engine.PendingDeletions(), ShouldBeEmpty)

			_, err = os.Stat(stray)
			So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
		})

		Convey("closing doesn't delete artifacts still in their grace delay", func() {
			So(f.engine.Close(), ShouldBeNil)

			cfg := f.cfg
			cfg.Cleanup.Grace = time.Hour

			e, err := Open(cfg)
			So(err, ShouldBeNil)

			stray := filepath.Join(cfg.ScratchDir, "forum.db.staging_v999999")
			So(os.WriteFile(stray, []byte("x"), 0o600), ShouldBeNil)

			e.Cleanup()
			So(e.PendingDeletions(), ShouldResemble, []string{stray})
			So(e.Close(), ShouldBeNil)

			_, err = os.Stat(stray)
			So(err, ShouldBeNil)

			f.engine, err = Open(f.cfg)
			So(err, ShouldBeNil)

			paths, err := f.engine.ExpiredArtifacts()
			So(err, ShouldBeNil)
			So(paths, ShouldResemble, []string{stray})
		})

		Convey("ActiveStore fails at once if there is no active store", func() {
			So(os.Remove(f.active), ShouldBeNil)

			_, err := f.engine.ActiveStore(ctx)
			So(errors.Is(err, store.ErrNotExist), ShouldBeTrue)
		})
	})

	Convey("A swap that is locked 3 times succeeds on the 4th attempt", t, func() {
		var calls atomic.Int32

		f := newFixture(t, WithRenamer(func(oldpath, newpath string) error {
			if calls.Add(1) <= 3 {
				return swap.ErrStoreLocked
			}

			return os.Rename(oldpath, newpath)
		}))
		defer f.close()

		result := f.engine.BuildAndSwap(ctx, Request{})
		So(result.Err, ShouldBeNil)
		So(result.Status, ShouldEqual, version.StatusCompleted)
		So(result.Attempts, ShouldEqual, 4)
		So(result.Attempts, ShouldBeLessThanOrEqualTo, f.engine.Config().Swap.MaxAttempts)
		So(testutil.ToFloat64(f.metrics.SwapAttempts), ShouldEqual, 4)
	})

	Convey("A swap that is always locked leaves the active store intact", t, func() {
		f := newFixture(t, WithRenamer(func(string, string) error { return swap.ErrStoreLocked }))
		defer f.close()

		before, err := os.ReadFile(f.active)
		So(err, ShouldBeNil)

		result := f.engine.BuildAndSwap(ctx, Request{Kind: version.KindIncremental})
		So(result.Status, ShouldEqual, version.StatusFailed)
		So(result.Attempts, ShouldEqual, 5)

		So(result.Swapped, ShouldBeFalse)

		var terr *version.TransientSwapError
		So(errors.As(result.Err, &terr), ShouldBeTrue)

		after, err := os.ReadFile(f.active)
		So(err, ShouldBeNil)
		So(after, ShouldResemble, before)

		v, err := f.engine.GetVersion(result.VersionID)
		So(err, ShouldBeNil)
		So(v.Status, ShouldEqual, version.StatusFailed)
		So(v.Details, ShouldNotBeBlank)
	})

	Convey("Open rejects unreadable scripts", t, func() {
		dir := t.TempDir()

		_, err := Open(Config{
			ActivePath: filepath.Join(dir, "forum.db"),
			ScratchDir: dir,
			Scripts:    []string{filepath.Join(dir, "missing.sql")},
		})

		var cerr *version.ConfigError
		So(errors.As(err, &cerr), ShouldBeTrue)
		So(cerr.Field, ShouldEqual, "scripts")
	})

	Convey("Open rejects a scratch dir that stores can't be renamed out of", t, func() {
		dir := t.TempDir()
		cfg := Config{
			ActivePath: filepath.Join(dir, "missing", "forum.db"),
			ScratchDir: filepath.Join(dir, "scratch"),
		}

		_, err := Open(cfg)

		var cerr *version.ConfigError
		So(errors.As(err, &cerr), ShouldBeTrue)
		So(cerr.Field, ShouldEqual, "scratch_dir")
		So(errors.Is(err, errScratchNotRenamable), ShouldBeTrue)

		Convey("such as one on another filesystem", func() {
			shm, err := os.MkdirTemp("/dev/shm", "forumstore")
			if err != nil {
				SkipSo("no /dev/shm")

				return
			}

			defer os.RemoveAll(shm)

			cfg.ActivePath = filepath.Join(dir, "forum.db")
			cfg.ScratchDir = shm
			cfg.RegistryPath = filepath.Join(dir, "versions.db")

			if store.CheckRename(shm, dir) == nil {
				SkipSo("/dev/shm shares a filesystem with", dir)

				return
			}

			_, err = Open(cfg)
			So(errors.As(err, &cerr), ShouldBeTrue)
			So(cerr.Field, ShouldEqual, "scratch_dir")

			_, err = os.Stat(cfg.RegistryPath)
			So(os.IsNotExist(err), ShouldBeTrue)
		})
	})
}

func backupOf(e *Engine, id string) string {
	v, err := e.GetVersion(id)
	So(err, ShouldBeNil)
	So(v.BackupPath, ShouldNotBeBlank)

	return v.BackupPath
}
