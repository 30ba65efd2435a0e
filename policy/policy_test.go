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

package policy

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/wtsi-hgi/forumstore/version"
)

func TestPolicy(t *testing.T) {
	Convey("Policies can be parsed from strings", t, func() {
		p, err := Parse("replace")
		So(err, ShouldBeNil)
		So(p, ShouldResemble, Replace())
		So(p.IsMerge(), ShouldBeFalse)

		p, err = Parse("merge:user_id:snapshot")
		So(err, ShouldBeNil)
		So(p, ShouldResemble, MergeByKey("user_id", ModeSnapshot))
		So(p.String(), ShouldEqual, "merge:user_id:snapshot")

		p, err = Parse(" merge:id:patch ")
		So(err, ShouldBeNil)
		So(p.Mode, ShouldEqual, ModePatch)

		Convey("but a merge must say which mode it uses", func() {
			_, err := Parse("merge:user_id")
			So(errors.Is(err, errNoMode), ShouldBeTrue)

			_, err = Parse("merge:user_id:sparse")
			So(errors.Is(err, errUnknownMode), ShouldBeTrue)
		})

		Convey("and malformed strings are rejected", func() {
			for _, bad := range []string{"", "merge", "append", "merge:a:b:c", "merge:bad key:patch"} {
				_, err := Parse(bad)
				So(err, ShouldNotBeNil)
			}
		})
	})

	Convey("A Map defaults to Replace", t, func() {
		m := Map{"users": MergeByKey("user_id", ModeSnapshot)}

		So(m.Lookup("users").IsMerge(), ShouldBeTrue)
		So(m.Lookup("posts"), ShouldResemble, Replace())
		So(Map(nil).Lookup("posts"), ShouldResemble, Replace())
		So(m.Validate(), ShouldBeNil)
	})

	Convey("ParseMap returns ConfigErrors naming the table", t, func() {
		m, err := ParseMap(map[string]string{"users": "merge:user_id:snapshot", "posts": "replace"})
		So(err, ShouldBeNil)
		So(m.Tables(), ShouldResemble, []string{"posts", "users"})

		var cfgErr *version.ConfigError

		_, err = ParseMap(map[string]string{"users": "merge:user_id"})
		So(errors.As(err, &cfgErr), ShouldBeTrue)
		So(cfgErr.Field, ShouldEqual, "policies.users")

		_, err = ParseMap(map[string]string{"bad table": "replace"})
		So(errors.As(err, &cfgErr), ShouldBeTrue)
	})
}
