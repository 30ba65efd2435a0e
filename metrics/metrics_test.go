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

package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
)

func TestMetrics(t *testing.T) {
	Convey("Observe counts build outcomes", t, func() {
		m := New()
		at := time.Unix(1760800000, 0)

		m.Observe(Outcome{
			Kind: "full", Status: "completed", Completed: true,
			Attempts: 4, AffectedRows: 12, SourceFailures: 1, Duration: 3 * time.Second, At: at,
		})
		m.Observe(Outcome{Kind: "full", Status: "failed", Attempts: 5, ProtectedFailures: 2, PendingDeletions: 3})

		So(testutil.ToFloat64(m.Builds.WithLabelValues("full", "completed")), ShouldEqual, 1)
		So(testutil.ToFloat64(m.Builds.WithLabelValues("full", "failed")), ShouldEqual, 1)
		So(testutil.ToFloat64(m.SwapAttempts), ShouldEqual, 9)
		So(testutil.ToFloat64(m.AffectedRows), ShouldEqual, 12)
		So(testutil.ToFloat64(m.SourceFailures), ShouldEqual, 1)
		So(testutil.ToFloat64(m.ProtectedCopyFailures), ShouldEqual, 2)
		So(testutil.ToFloat64(m.LastSuccess), ShouldEqual, float64(at.Unix()))
		So(testutil.ToFloat64(m.PendingDeletions), ShouldEqual, 3)
		So(testutil.CollectAndCount(m.BuildDuration), ShouldEqual, 1)

		Convey("and can write them to a textfile", func() {
			path := filepath.Join(t.TempDir(), "forumstore.prom")
			So(m.WriteTextfile(path), ShouldBeNil)

			data, err := os.ReadFile(path)
			So(err, ShouldBeNil)
			So(string(data), ShouldContainSubstring, `forumstore_builds_total{kind="full",status="completed"} 1`)
			So(string(data), ShouldContainSubstring, "forumstore_swap_attempts_total 9")
		})
	})

	Convey("A nil Metrics ignores observations", t, func() {
		var m *Metrics

		So(func() { m.Observe(Outcome{}) }, ShouldNotPanic)
	})
}
