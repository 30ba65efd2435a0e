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

package guard

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	. "github.com/smartystreets/goconvey/convey"
	internaltest "github.com/wtsi-hgi/forumstore/internal/test"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
)

func TestGuard(t *testing.T) {
	ctx := context.Background()

	Convey("New validates its configuration", t, func() {
		g, err := New([]string{"wordcloud_cache", "user_data", "wordcloud_cache"}, []string{"user_data"}, nil)
		So(err, ShouldBeNil)
		So(g.Names(), ShouldResemble, []string{"wordcloud_cache", "user_data"})
		So(g.Has("user_data"), ShouldBeTrue)
		So(g.Has("posts"), ShouldBeFalse)
		So(errors.Is(g.CheckTarget("user_data"), ErrProtectedTarget), ShouldBeTrue)
		So(g.CheckTarget("posts"), ShouldBeNil)

		var cfgErr *version.ConfigError

		_, err = New([]string{"bad name"}, nil, nil)
		So(errors.As(err, &cfgErr), ShouldBeTrue)

		_, err = New([]string{"a"}, []string{"b"}, nil)
		So(errors.As(err, &cfgErr), ShouldBeTrue)
		So(cfgErr.Field, ShouldEqual, "allow_clear")
	})

	Convey("Given an active store with protected tables", t, func() {
		dir := t.TempDir()
		active := filepath.Join(dir, "forum.db")

		stmts := append(internaltest.NumberedRows("wordcloud_cache", 5), internaltest.NumberedRows("user_data", 2)...)
		stmts = append(stmts, internaltest.NumberedRows("posts", 3)...)
		internaltest.NewStoreFile(active, stmts...)

		staging, err := store.Open(filepath.Join(dir, "staging.db"))
		So(err, ShouldBeNil)

		defer staging.Close()

		g, err := New([]string{"wordcloud_cache", "user_data", "thread_follow"}, nil, nil)
		So(err, ShouldBeNil)

		Convey("Preserve copies them into staging and reports the missing ones", func() {
			r := g.Preserve(ctx, active, staging)
			So(r.Err(), ShouldBeNil)
			So(r.Copied, ShouldResemble, map[string]int64{"wordcloud_cache": 5, "user_data": 2})
			So(r.Missing, ShouldResemble, []string{"thread_follow"})

			tables, err := staging.Tables(ctx)
			So(err, ShouldBeNil)
			So(tables, ShouldResemble, []string{"user_data", "wordcloud_cache"})

			So(g.Conserve(ctx, staging, r), ShouldBeNil)

			Convey("and Conserve notices if one then loses rows", func() {
				So(staging.Exec(ctx, "DELETE FROM wordcloud_cache WHERE id > 2"), ShouldBeNil)
				So(staging.DropTable(ctx, store.MustIdent("user_data")), ShouldBeNil)

				err := g.Conserve(ctx, staging, r)
				So(err, ShouldNotBeNil)
				So(errors.Is(err, ErrShrunk), ShouldBeTrue)
				So(errors.Is(err, ErrNotStaged), ShouldBeTrue)

				var merr *multierror.Error
				So(errors.As(err, &merr), ShouldBeTrue)
				So(len(merr.Errors), ShouldEqual, 2)

				var protErr *version.ProtectedCopyError
				So(errors.As(merr.Errors[0], &protErr), ShouldBeTrue)
				So(protErr.Table, ShouldEqual, "user_data")
			})

			Convey("and Conserve notices rows rewritten in place", func() {
				So(staging.Exec(ctx, "UPDATE wordcloud_cache SET id = id + 100"), ShouldBeNil)
				So(staging.Exec(ctx, "INSERT INTO user_data (id) VALUES (3)"), ShouldBeNil)

				err := g.Conserve(ctx, staging, r)
				So(errors.Is(err, ErrRowsChanged), ShouldBeTrue)
				So(errors.Is(err, ErrShrunk), ShouldBeFalse)

				var protErr *version.ProtectedCopyError
				So(errors.As(err, &protErr), ShouldBeTrue)
				So(protErr.Table, ShouldEqual, "wordcloud_cache")
			})

			Convey("but rows may be added", func() {
				So(staging.Exec(ctx, "INSERT INTO wordcloud_cache (id) VALUES (6)"), ShouldBeNil)
				So(g.Conserve(ctx, staging, r), ShouldBeNil)
			})

			Convey("unless clearing is allowed", func() {
				g, err := New(g.Names(), []string{"wordcloud_cache"}, nil)
				So(err, ShouldBeNil)
				So(staging.Exec(ctx, "DELETE FROM wordcloud_cache"), ShouldBeNil)
				So(g.Conserve(ctx, staging, r), ShouldBeNil)
			})
		})

		Convey("Preserve records a failure per table without stopping", func() {
			So(staging.Exec(ctx, "CREATE TABLE wordcloud_cache (x)"), ShouldBeNil)

			r := g.Preserve(ctx, active, staging)
			So(r.Copied, ShouldResemble, map[string]int64{"user_data": 2})
			So(len(r.Failed), ShouldEqual, 1)

			err := r.Err()
			So(errors.Is(err, store.ErrTableExists), ShouldBeTrue)

			var protErr *version.ProtectedCopyError
			So(errors.As(err, &protErr), ShouldBeTrue)
			So(protErr.Table, ShouldEqual, "wordcloud_cache")
		})
	})

	Convey("With no active store, everything is missing but nothing fails", t, func() {
		dir := t.TempDir()

		staging, err := store.Open(filepath.Join(dir, "staging.db"))
		So(err, ShouldBeNil)

		defer staging.Close()

		g, err := New([]string{"wordcloud_cache"}, nil, nil)
		So(err, ShouldBeNil)

		r := g.Preserve(ctx, filepath.Join(dir, "forum.db"), staging)
		So(r.Err(), ShouldBeNil)
		So(r.Missing, ShouldResemble, []string{"wordcloud_cache"})
		So(r.Copied, ShouldBeEmpty)
	})
}
