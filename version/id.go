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

package version

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	idTimeFormat = "20060102150405"
	idSuffixLen  = 8
)

// IDGenerator hands out version ids. Ids must be unique, and should sort in
// the order they were generated.
type IDGenerator interface {
	NewID() string
}

// ClockIDGenerator makes ids from a UTC timestamp with microsecond precision
// followed by a random tiebreaker, eg. "20261018150405123456_1f3a9c0e". The
// timestamp part never goes backwards within a process, even if the wall clock
// does.
type ClockIDGenerator struct {
	mu   sync.Mutex
	last time.Time

	now    func() time.Time
	suffix func() string
}

// NewClockIDGenerator returns an IDGenerator based on the system clock.
func NewClockIDGenerator() *ClockIDGenerator {
	return &ClockIDGenerator{
		now:    time.Now,
		suffix: randomSuffix,
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idSuffixLen]
}

// NewID implements IDGenerator.
func (g *ClockIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now().UTC().Truncate(time.Microsecond)
	if !t.After(g.last) {
		t = g.last.Add(time.Microsecond)
	}

	g.last = t

	return fmt.Sprintf("%s%06d_%s", t.Format(idTimeFormat), t.Nanosecond()/int(time.Microsecond), g.suffix())
}

// SequenceIDGenerator returns Prefix followed by an incrementing, zero-padded
// counter. It is intended for tests that need predictable ids.
type SequenceIDGenerator struct {
	Prefix string

	mu sync.Mutex
	n  int
}

// NewID implements IDGenerator.
func (g *SequenceIDGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n++

	return fmt.Sprintf("%s%06d", g.Prefix, g.n)
}
