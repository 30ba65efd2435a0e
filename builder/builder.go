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

// Package builder builds a new version of the store in a staging file: it
// preserves the protected tables, imports every source under its table's
// policy, runs any post-import scripts and validates the result. It never
// touches the active store; publishing the staging file is the swap
// coordinator's job.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/inconshreveable/log15"
	"github.com/wtsi-hgi/forumstore/changelog"
	"github.com/wtsi-hgi/forumstore/guard"
	"github.com/wtsi-hgi/forumstore/internal/logs"
	"github.com/wtsi-hgi/forumstore/policy"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
)

const scriptTable = "(script)"

var (
	ErrDuplicateMerge = errors.New("more than one source for a merge table")
	ErrNoStagingPath  = errors.New("no staging path")
)

// Source is one upstream data set destined for a single table.
type Source struct {
	ID    string
	Table string
	Rows  store.Iterator
}

// Request describes a build.
type Request struct {
	Kind       version.Kind
	Sources    []Source
	Policies   policy.Map
	Protected  []string
	AllowClear []string
	Scripts    []Script

	// FailFast makes the first source or script failure fail the build,
	// instead of it being logged and counted.
	FailFast bool
}

// Result describes a build that got as far as beginning a version. If
// VersionID is set and Build returned an error, the caller must abort the
// version.
type Result struct {
	VersionID    string
	StagingPath  string
	AffectedRows int64
	Imported     []string
	SourceErrors []error
	Protected    *guard.Report
}

// Builder builds staging stores for the active store at one path.
type Builder struct {
	registry    *version.Registry
	activePath  string
	stagingPath func(id string) string
	log         log15.Logger
}

// New returns a Builder that records versions in registry, reads the active
// store at activePath, and builds each version in the file stagingPath
// returns for its id.
func New(registry *version.Registry, activePath string, stagingPath func(id string) string,
	logger log15.Logger) *Builder {
	return &Builder{
		registry:    registry,
		activePath:  activePath,
		stagingPath: stagingPath,
		log:         logs.OrDiscard(logger),
	}
}

type build struct {
	*Builder

	req     Request
	guard   *guard.Guard
	result  *Result
	log     log15.Logger
	staging *store.Store
	active  *store.Store

	replaced  map[string]int64
	succeeded map[string]bool
	failed    map[string]bool
	changes   int64
}

// Build validates req, then begins a new version and builds its staging
// store. Configuration problems are returned as *version.ConfigError before
// anything is written. Source failures are soft unless req.FailFast is set;
// they are returned in the Result as *version.SourceImportError.
func (b *Builder) Build(ctx context.Context, req Request) (*Result, error) {
	g, err := validate(req)
	if err != nil {
		return nil, err
	}

	id, err := b.registry.Begin(req.Kind)
	if err != nil {
		return nil, err
	}

	bd := &build{
		Builder:   b,
		req:       req,
		guard:     g,
		result:    &Result{VersionID: id, StagingPath: b.stagingPath(id)},
		log:       b.log.New("version", id),
		replaced:  make(map[string]int64),
		succeeded: make(map[string]bool),
		failed:    make(map[string]bool),
	}

	err = bd.run(ctx)
	bd.result.AffectedRows = bd.affected()

	return bd.result, err
}

func validate(req Request) (*guard.Guard, error) {
	if !req.Kind.Valid() {
		return nil, version.NewConfigError("kind", fmt.Errorf("%w: %q", version.ErrInvalidKind, req.Kind))
	}

	if err := req.Policies.Validate(); err != nil {
		return nil, err
	}

	g, err := guard.New(req.Protected, req.AllowClear, nil)
	if err != nil {
		return nil, err
	}

	merges := make(map[string]string)

	for i, src := range req.Sources {
		field := fmt.Sprintf("sources[%d]", i)

		if _, err := store.ParseIdent(src.Table); err != nil {
			return nil, version.NewConfigError(field, err)
		}

		if src.Rows == nil {
			return nil, version.NewConfigError(field, store.ErrNilRow)
		}

		if !req.Policies.Lookup(src.Table).IsMerge() {
			continue
		}

		if other, ok := merges[src.Table]; ok {
			return nil, version.NewConfigError(field,
				fmt.Errorf("%w: %s (sources %q and %q)", ErrDuplicateMerge, src.Table, other, src.ID))
		}

		merges[src.Table] = src.ID
	}

	return g, nil
}

func (bd *build) run(ctx context.Context) (err error) {
	if bd.result.StagingPath == "" {
		return ErrNoStagingPath
	}

	bd.staging, err = store.Open(bd.result.StagingPath)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, bd.staging.Close())
	}()

	bd.log.Info("building", "kind", bd.req.Kind, "sources", len(bd.req.Sources), "staging", bd.result.StagingPath)

	bd.result.Protected = bd.guard.Preserve(ctx, bd.activePath, bd.staging)
	if err = bd.result.Protected.Err(); err != nil {
		return err
	}

	if err = bd.openActive(); err != nil {
		return err
	}

	if bd.active != nil {
		defer bd.active.Close()
	}

	if err = bd.importSources(ctx); err != nil {
		return err
	}

	if err = bd.carryForward(ctx); err != nil {
		return err
	}

	if err = bd.runScripts(ctx); err != nil {
		return err
	}

	return bd.validateStaging(ctx)
}

func (bd *build) openActive() error {
	exists, err := store.Exists(bd.activePath)
	if err != nil || !exists {
		return err
	}

	bd.active, err = store.OpenReadOnly(bd.activePath)

	return err
}

func (bd *build) importSources(ctx context.Context) error {
	for _, src := range bd.req.Sources {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := bd.importSource(ctx, src)
		closeSource(src)

		if err == nil {
			bd.succeeded[src.Table] = true
			bd.result.Imported = append(bd.result.Imported, src.ID)

			continue
		}

		var fatal *fatalError
		if errors.As(err, &fatal) {
			return fatal.err
		}

		if err = bd.sourceFailed(src.ID, src.Table, err); err != nil {
			return err
		}

		bd.failed[src.Table] = true
	}

	return nil
}

func closeSource(src Source) {
	if c, ok := src.Rows.(io.Closer); ok {
		_ = c.Close()
	}
}

// fatalError is an import failure that must fail the whole build even when
// not failing fast, such as being unable to write to the ledger.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }

func (bd *build) sourceFailed(source, table string, err error) error {
	row := -1

	var rowErr *store.RowError
	if errors.As(err, &rowErr) {
		row = rowErr.Row
	}

	var keyErr *changelog.KeyError
	if errors.As(err, &keyErr) && keyErr.Side == changelog.SideNew {
		row = keyErr.Row
	}

	serr := &version.SourceImportError{Source: source, Table: table, Row: row, Err: err}
	bd.result.SourceErrors = append(bd.result.SourceErrors, serr)

	bd.log.Error("import failed", "source", source, "table", table, "row", row, "err", err)

	if bd.req.FailFast {
		return serr
	}

	return nil
}

func (bd *build) importSource(ctx context.Context, src Source) error {
	if err := bd.guard.CheckTarget(src.Table); err != nil {
		return err
	}

	table := store.MustIdent(src.Table)

	rows, err := store.Collect(src.Rows)
	if err != nil {
		return err
	}

	oldRows, err := bd.activeRows(ctx, table)
	if err != nil {
		return err
	}

	schema, err := bd.reusableSchema(ctx, table, rows)
	if err != nil {
		return err
	}

	p := bd.req.Policies.Lookup(src.Table)
	if !p.IsMerge() {
		return bd.replace(ctx, src, table, schema, oldRows, rows)
	}

	return bd.merge(ctx, src, table, p, schema, oldRows, rows)
}

func (bd *build) replace(ctx context.Context, src Source, table store.Ident, schema *store.Schema,
	oldRows, rows []store.Row) error {
	if err := bd.staging.WriteTable(ctx, table, schema, rows); err != nil {
		return err
	}

	changed, err := contentDiffers(oldRows, rows)
	if err != nil {
		return err
	}

	bd.replaced[src.Table] = 0
	if changed {
		bd.replaced[src.Table] = int64(len(rows))
	}

	bd.log.Info("replaced table", "source", src.ID, "table", src.Table, "rows", len(rows), "changed", changed)

	return nil
}

func (bd *build) merge(ctx context.Context, src Source, table store.Ident, p policy.Policy, schema *store.Schema,
	oldRows, rows []store.Row) error {
	res, err := changelog.Merge(src.Table, p, oldRows, rows)
	if err != nil {
		return err
	}

	if err = bd.staging.WriteTable(ctx, table, schema, res.Rows); err != nil {
		return err
	}

	if err = bd.registry.AppendChanges(bd.result.VersionID, res.Changes); err != nil {
		return &fatalError{err: fmt.Errorf("record changes of %s: %w", src.Table, err)}
	}

	bd.changes += int64(len(res.Changes))

	inserts, updates, deletes := res.Counts()
	bd.log.Info("merged table", "source", src.ID, "table", src.Table, "mode", p.Mode,
		"inserts", inserts, "updates", updates, "deletes", deletes)

	return nil
}

// activeRows returns the rows of table in the active store, or nothing if
// it doesn't have the table.
func (bd *build) activeRows(ctx context.Context, table store.Ident) ([]store.Row, error) {
	if bd.active == nil {
		return nil, nil
	}

	has, err := bd.active.HasTable(ctx, table)
	if err != nil || !has {
		return nil, err
	}

	return bd.active.ReadRows(ctx, table)
}

// reusableSchema returns the active store's definition of table if it has
// every column the rows use, so indexes and column types survive rebuilds.
func (bd *build) reusableSchema(ctx context.Context, table store.Ident, rows []store.Row) (*store.Schema, error) {
	if bd.active == nil {
		return nil, nil //nolint:nilnil
	}

	has, err := bd.active.HasTable(ctx, table)
	if err != nil || !has {
		return nil, err
	}

	cols, err := bd.active.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	want, err := store.ColumnsOf(rows)
	if err != nil {
		return nil, err
	}

	for _, w := range want {
		if !slices.ContainsFunc(cols, func(c store.Column) bool { return c.Name == w }) {
			bd.log.Debug("source has new columns, not reusing table definition", "table", table, "column", w)

			return nil, nil //nolint:nilnil
		}
	}

	return bd.active.Schema(ctx, table)
}

// contentDiffers compares two row-sets as multisets, ignoring order and
// treating missing fields as null.
func contentDiffers(oldRows, newRows []store.Row) (bool, error) {
	if len(oldRows) != len(newRows) {
		return true, nil
	}

	a, err := store.Fingerprints(oldRows)
	if err != nil {
		return false, err
	}

	b, err := store.Fingerprints(newRows)
	if err != nil {
		return false, err
	}

	return !slices.Equal(a, b), nil
}

// carryForward copies tables from the active store that nothing in this build
// replaced: every untouched table for incremental builds, and for any build,
// tables whose only sources failed.
func (bd *build) carryForward(ctx context.Context) error {
	if bd.active == nil {
		return nil
	}

	tables, err := bd.active.Tables(ctx)
	if err != nil {
		return err
	}

	for _, name := range tables {
		if !bd.shouldCarry(name) {
			continue
		}

		table, err := store.ParseIdent(name)
		if err != nil {
			return fmt.Errorf("carry forward: %w", err)
		}

		has, err := bd.staging.HasTable(ctx, table)
		if err != nil {
			return err
		}

		if has {
			continue
		}

		n, err := bd.staging.CopyTableFrom(ctx, bd.activePath, table)
		if err != nil {
			return fmt.Errorf("carry forward %s: %w", name, err)
		}

		bd.log.Debug("carried table forward", "table", name, "rows", n)
	}

	return nil
}

func (bd *build) shouldCarry(table string) bool {
	if bd.guard.Has(table) || bd.succeeded[table] {
		return false
	}

	return bd.failed[table] || bd.req.Kind == version.KindIncremental
}

func (bd *build) runScripts(ctx context.Context) error {
	for _, script := range bd.req.Scripts {
		for i, stmt := range script.Statements() {
			if err := ctx.Err(); err != nil {
				return err
			}

			err := bd.staging.Exec(ctx, stmt)
			if err == nil {
				continue
			}

			serr := &version.SourceImportError{Source: script.Name, Table: scriptTable, Row: i, Err: err}
			bd.result.SourceErrors = append(bd.result.SourceErrors, serr)

			bd.log.Error("script statement failed", "script", script.Name, "statement", i, "err", err)

			if bd.req.FailFast {
				return serr
			}

			break
		}
	}

	return nil
}

func (bd *build) validateStaging(ctx context.Context) error {
	if err := bd.staging.IntegrityCheck(ctx); err != nil {
		return err
	}

	if err := bd.guard.Conserve(ctx, bd.staging, bd.result.Protected); err != nil {
		return err
	}

	if n := len(bd.result.SourceErrors); n > 0 {
		if err := bd.registry.Annotate(bd.result.VersionID,
			fmt.Sprintf("%d source or script failure(s)", n)); err != nil {
			return err
		}
	}

	bd.log.Info("staging store built", "affected", bd.affected(), "failures", len(bd.result.SourceErrors))

	return nil
}

func (bd *build) affected() int64 {
	n := bd.changes
	for _, rows := range bd.replaced {
		n += rows
	}

	return n
}
