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

package rowsource

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/wtsi-hgi/forumstore/store"
)

const lines = `{"user_id": 1, "name": "A", "score": 1.5}

{"user_id": 2, "name": null, "tags": ["x", "y"]}
`

func TestReader(t *testing.T) {
	Convey("A Reader returns each JSON object as a row", t, func() {
		rows, err := store.Collect(New(strings.NewReader(lines)))
		So(err, ShouldBeNil)
		So(len(rows), ShouldEqual, 2)
		So(rows[0]["user_id"], ShouldEqual, int64(1))
		So(rows[0]["name"], ShouldEqual, "A")
		So(rows[0]["score"], ShouldEqual, 1.5)
		So(rows[1]["name"], ShouldBeNil)
		So(store.Normalize(rows[1]["tags"]), ShouldEqual, `["x","y"]`)
	})

	Convey("Bad lines stop the Reader with an error pointing at the row", t, func() {
		_, err := store.Collect(New(strings.NewReader(`{"a": 1}` + "\n[1, 2]\n")))

		var rowErr *store.RowError
		So(errors.As(err, &rowErr), ShouldBeTrue)
		So(rowErr.Row, ShouldEqual, 1)
		So(rowErr.Err, ShouldEqual, ErrNotObject)

		_, err = store.Collect(New(strings.NewReader(`{"a": `)))
		So(err, ShouldNotBeNil)
	})

	Convey("Files can be opened, gzipped or not", t, func() {
		dir := t.TempDir()

		plain := filepath.Join(dir, "users.jsonl")
		So(os.WriteFile(plain, []byte(lines), 0o600), ShouldBeNil)

		gz := filepath.Join(dir, "users.jsonl.gz")
		f, err := os.Create(gz)
		So(err, ShouldBeNil)

		w := pgzip.NewWriter(f)
		_, err = w.Write([]byte(lines))
		So(err, ShouldBeNil)
		So(w.Close(), ShouldBeNil)
		So(f.Close(), ShouldBeNil)

		for _, path := range []string{plain, gz} {
			r, err := Open(path)
			So(err, ShouldBeNil)

			rows, err := store.Collect(r)
			So(err, ShouldBeNil)
			So(len(rows), ShouldEqual, 2)
			So(r.Close(), ShouldBeNil)
		}

		_, err = Open(filepath.Join(dir, "missing.jsonl"))
		So(err, ShouldNotBeNil)
	})
}
