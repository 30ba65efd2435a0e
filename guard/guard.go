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

// Package guard keeps protected collections alive across rebuilds. Protected
// tables are copied verbatim from the active store into staging before any
// import runs, no import may target them, and the staged copies are checked
// again before the swap.
package guard

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/wtsi-hgi/forumstore/internal/logs"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
)

var (
	ErrProtectedTarget = errors.New("table is protected and can't be an import target")
	ErrShrunk          = errors.New("protected table lost rows")
	ErrRowsChanged     = errors.New("protected table rows were deleted or altered")
	ErrNotStaged       = errors.New("protected table is missing from staging")
)

// Guard knows the protected table names and which of them may be cleared.
type Guard struct {
	names      []store.Ident
	set        map[string]struct{}
	allowClear map[string]struct{}
	log        log15.Logger
}

// New validates the protected names. allowClear names protected tables that
// are exempt from the conservation check; each must also be protected.
func New(names, allowClear []string, logger log15.Logger) (*Guard, error) {
	g := &Guard{
		set:        make(map[string]struct{}, len(names)),
		allowClear: make(map[string]struct{}, len(allowClear)),
		log:        logs.OrDiscard(logger),
	}

	for _, name := range names {
		id, err := store.ParseIdent(name)
		if err != nil {
			return nil, version.NewConfigError("protected", err)
		}

		if _, dup := g.set[name]; dup {
			continue
		}

		g.names = append(g.names, id)
		g.set[name] = struct{}{}
	}

	for _, name := range allowClear {
		if !g.Has(name) {
			return nil, version.NewConfigError("allow_clear",
				fmt.Errorf("%q is not a protected table", name)) //nolint:err113
		}

		g.allowClear[name] = struct{}{}
	}

	return g, nil
}

// Names returns the protected table names in configured order.
func (g *Guard) Names() []string {
	names := make([]string, len(g.names))
	for i, id := range g.names {
		names[i] = id.String()
	}

	return names
}

// Has returns true if table is protected.
func (g *Guard) Has(table string) bool {
	_, ok := g.set[table]

	return ok
}

// CheckTarget returns ErrProtectedTarget if table is protected.
func (g *Guard) CheckTarget(table string) error {
	if g.Has(table) {
		return fmt.Errorf("%w: %s", ErrProtectedTarget, table)
	}

	return nil
}

// Report is the outcome of Preserve.
type Report struct {
	// Copied holds the row count of each protected table that was copied.
	Copied map[string]int64

	// Missing lists protected tables the active store doesn't have yet.
	Missing []string

	// Failed holds the reason each failed table couldn't be copied.
	Failed map[string]error

	// contents holds the sorted row fingerprints of each copied table.
	contents map[string][]string
}

// Err returns a multierror of *version.ProtectedCopyError, one per failed
// table, or nil if nothing failed.
func (r *Report) Err() error {
	var errm *multierror.Error

	for _, table := range sortedKeys(r.Failed) {
		errm = multierror.Append(errm, &version.ProtectedCopyError{Table: table, Err: r.Failed[table]})
	}

	return errm.ErrorOrNil()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// Preserve copies every protected table, definition and rows, from the store
// file at activePath into staging. A table the active store doesn't have is
// reported as missing with a warning; that is normal on a first run. A
// failure to copy one table doesn't stop the others being copied. The caller
// must not swap staging in if the returned report has an Err.
func (g *Guard) Preserve(ctx context.Context, activePath string, staging *store.Store) *Report {
	r := &Report{
		Copied:   make(map[string]int64),
		Failed:   make(map[string]error),
		contents: make(map[string][]string),
	}

	if len(g.names) == 0 {
		return r
	}

	exists, err := store.Exists(activePath)
	if err != nil {
		for _, name := range g.names {
			r.Failed[name.String()] = err
		}

		return r
	}

	if !exists {
		g.log.Warn("no active store yet, so no protected tables to preserve", "path", activePath)

		r.Missing = g.Names()

		return r
	}

	for _, name := range g.names {
		if err := ctx.Err(); err != nil {
			r.Failed[name.String()] = err

			continue
		}

		n, err := staging.CopyTableFrom(ctx, activePath, name)

		switch {
		case errors.Is(err, store.ErrTableNotFound):
			g.log.Warn("protected table not in active store", "table", name)
			r.Missing = append(r.Missing, name.String())
		case err != nil:
			g.log.Error("protected table could not be copied", "table", name, "err", err)
			r.Failed[name.String()] = err
		default:
			g.recordCopy(ctx, r, staging, name, n)
		}
	}

	return r
}

func (g *Guard) recordCopy(ctx context.Context, r *Report, staging *store.Store, name store.Ident, n int64) {
	fps, err := fingerprintTable(ctx, staging, name)
	if err != nil {
		g.log.Error("protected table could not be read back", "table", name, "err", err)
		r.Failed[name.String()] = err

		return
	}

	g.log.Debug("protected table copied", "table", name, "rows", n)
	r.Copied[name.String()] = n
	r.contents[name.String()] = fps
}

func fingerprintTable(ctx context.Context, s *store.Store, table store.Ident) ([]string, error) {
	rows, err := s.ReadRows(ctx, table)
	if err != nil {
		return nil, err
	}

	return store.Fingerprints(rows)
}

// Conserve checks that every table copied by Preserve is still in staging
// holding every row that was copied, unchanged, unless it is allowed to be
// cleared. Rows may be added. It returns a multierror of *version.ProtectedCopyError.
func (g *Guard) Conserve(ctx context.Context, staging *store.Store, r *Report) error {
	var errm *multierror.Error

	for _, table := range sortedKeys(r.Copied) {
		if _, ok := g.allowClear[table]; ok {
			continue
		}

		id, err := store.ParseIdent(table)
		if err != nil {
			errm = multierror.Append(errm, &version.ProtectedCopyError{Table: table, Err: err})

			continue
		}

		if err := g.conserveTable(ctx, staging, id, r.Copied[table], r.contents[table]); err != nil {
			errm = multierror.Append(errm, &version.ProtectedCopyError{Table: table, Err: err})
		}
	}

	return errm.ErrorOrNil()
}

func (g *Guard) conserveTable(ctx context.Context, staging *store.Store, table store.Ident,
	before int64, contents []string,
) error {
	has, err := staging.HasTable(ctx, table)
	if err != nil {
		return err
	}

	if !has {
		return ErrNotStaged
	}

	n, err := staging.Count(ctx, table)
	if err != nil {
		return err
	}

	if n < before {
		return fmt.Errorf("%w: had %d, now %d", ErrShrunk, before, n)
	}

	fps, err := fingerprintTable(ctx, staging, table)
	if err != nil {
		return err
	}

	if !store.ContainsAll(fps, contents) {
		return ErrRowsChanged
	}

	return nil
}
