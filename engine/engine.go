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

// Package engine is the entry point for building and publishing versions of a
// forum analytics store. An Engine ties the version registry, builder and swap
// coordinator together for one active store path.
//
// Only one BuildAndSwap or RollbackTo runs at a time per Engine. Running more
// than one Engine (or process) against the same active path at once is not
// supported; builds are expected to be triggered serially by an external
// scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/inconshreveable/log15"
	"github.com/wtsi-hgi/forumstore/builder"
	"github.com/wtsi-hgi/forumstore/internal/logs"
	"github.com/wtsi-hgi/forumstore/metrics"
	"github.com/wtsi-hgi/forumstore/policy"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/swap"
	"github.com/wtsi-hgi/forumstore/version"
)

const (
	scratchDirPerms = 0o750

	openRetries      = 5
	openRetryBackoff = 50 * time.Millisecond
)

// Option customises an Engine.
type Option func(*options)

type options struct {
	logger  log15.Logger
	ids     version.IDGenerator
	metrics *metrics.Metrics
	rename  func(oldpath, newpath string) error
}

// WithLogger makes the Engine log to logger.
func WithLogger(logger log15.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithIDGenerator makes the Engine use ids for version ids.
func WithIDGenerator(ids version.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithMetrics makes the Engine record every outcome in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRenamer replaces the function used to move stores into the active path.
func WithRenamer(rename func(oldpath, newpath string) error) Option {
	return func(o *options) { o.rename = rename }
}

// Engine builds and publishes versions of the store at one path.
type Engine struct {
	cfg      Config
	policies policy.Map
	scripts  []builder.Script
	log      log15.Logger
	registry *version.Registry
	janitor  *swap.Janitor
	coord    *swap.Coordinator
	builder  *builder.Builder
	metrics  *metrics.Metrics

	mu sync.Mutex
}

// Open validates cfg, creates the scratch directory if needed and opens the
// version registry. Close the Engine when done with it.
func Open(cfg Config, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.ids == nil {
		o.ids = version.NewClockIDGenerator()
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policies, err := cfg.PolicyMap()
	if err != nil {
		return nil, err
	}

	scripts, err := readScripts(cfg.Scripts)
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(cfg.ScratchDir, scratchDirPerms); err != nil {
		return nil, err
	}

	if err = store.CheckRename(cfg.ScratchDir, filepath.Dir(cfg.ActivePath)); err != nil {
		return nil, version.NewConfigError("scratch_dir", fmt.Errorf("%w: %w", errScratchNotRenamable, err))
	}

	registry, err := version.OpenRegistry(cfg.RegistryPath, o.ids)
	if err != nil {
		return nil, err
	}

	logger := logs.OrDiscard(o.logger)
	artifacts := swap.NewArtifacts(cfg.ActivePath, cfg.ScratchDir)
	janitor := swap.NewJanitor(swap.JanitorConfig{
		Grace:       cfg.Cleanup.Grace,
		Retry:       cfg.Cleanup.Retry,
		MaxAttempts: cfg.Cleanup.MaxAttempts,
	}, logger)

	coord := swap.NewCoordinator(cfg.ActivePath, artifacts, registry, janitor, swap.Config{
		MaxAttempts:   cfg.Swap.MaxAttempts,
		BaseDelay:     cfg.Swap.BaseDelay,
		MaxDelay:      cfg.Swap.MaxDelay,
		Budget:        cfg.Swap.Budget,
		RetainBackups: cfg.RetainBackups,
	}, logger)

	if o.rename != nil {
		coord.SetRenamer(o.rename)
	}

	return &Engine{
		cfg:      cfg,
		policies: policies,
		scripts:  scripts,
		log:      logger,
		registry: registry,
		janitor:  janitor,
		coord:    coord,
		builder:  builder.New(registry, cfg.ActivePath, artifacts.Staging, logger),
		metrics:  o.metrics,
	}, nil
}

func readScripts(paths []string) ([]builder.Script, error) {
	scripts := make([]builder.Script, 0, len(paths))

	for _, path := range paths {
		s, err := builder.ReadScript(path)
		if err != nil {
			return nil, version.NewConfigError("scripts", err)
		}

		scripts = append(scripts, s)
	}

	return scripts, nil
}

// Config returns the Engine's config, with defaults filled in.
func (e *Engine) Config() Config {
	return e.cfg
}

// Request describes one build-and-swap.
type Request struct {
	Kind    version.Kind
	Sources []builder.Source

	// Protected, Policies and AllowClear override the configured values when
	// not nil.
	Protected  []string
	Policies   policy.Map
	AllowClear []string

	// FailFast is combined with the configured fail_fast.
	FailFast bool
}

// VersionResult is the outcome of BuildAndSwap or RollbackTo.
type VersionResult struct {
	VersionID    string
	Status       version.Status
	AffectedRows int64
	Attempts     int

	// SourceErrors are the soft failures of individual sources or script
	// statements, which did not stop the version completing.
	SourceErrors []error

	// Swapped is true if the new store became the active one. It can be true
	// with a pending Status, if the registry couldn't be updated afterwards.
	Swapped bool

	// Err says why the version failed. It is nil when Status is completed.
	Err error
}

// BuildAndSwap builds a new version of the store from req in a staging file,
// then swaps it in as the active store. It always returns a result with an
// explicit status; on failure the active store is left as it was.
//
// Cancelling ctx before the swap starts aborts the build. Once the swap has
// started, cancelling ctx only stops further retries, and the previous active
// store is restored.
func (e *Engine) BuildAndSwap(ctx context.Context, req Request) *VersionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	breq := e.builderRequest(req)

	built, err := e.builder.Build(ctx, breq)
	if built == nil {
		e.log.Error("build not started", "err", err)

		result := &VersionResult{Status: version.StatusFailed, Err: err}
		e.observe(breq.Kind, result, nil, start)

		return result
	}

	result := &VersionResult{
		VersionID:    built.VersionID,
		Status:       version.StatusFailed,
		AffectedRows: built.AffectedRows,
		SourceErrors: built.SourceErrors,
	}

	if err != nil {
		e.coord.Abort(built.VersionID, built.StagingPath, err)
		result.Err = err
	} else {
		out := e.coord.Commit(ctx, built.VersionID, built.StagingPath, built.AffectedRows)
		result.Status = out.Status
		result.Attempts = out.Attempts
		result.Swapped = out.Swapped
		result.Err = out.Err
	}

	e.observe(breq.Kind, result, built, start)

	return result
}

func (e *Engine) builderRequest(req Request) builder.Request {
	breq := builder.Request{
		Kind:       req.Kind,
		Sources:    req.Sources,
		Policies:   req.Policies,
		Protected:  req.Protected,
		AllowClear: req.AllowClear,
		Scripts:    e.scripts,
		FailFast:   req.FailFast || e.cfg.FailFast,
	}

	if breq.Kind == "" {
		breq.Kind = version.KindFull
	}

	if breq.Policies == nil {
		breq.Policies = e.policies
	}

	if breq.Protected == nil {
		breq.Protected = e.cfg.Protected
	}

	if breq.AllowClear == nil {
		breq.AllowClear = e.cfg.AllowClear
	}

	return breq
}

func (e *Engine) observe(kind version.Kind, result *VersionResult, built *builder.Result, start time.Time) {
	if e.metrics == nil {
		return
	}

	o := metrics.Outcome{
		Kind:             string(kind),
		Status:           string(result.Status),
		Completed:        result.Status == version.StatusCompleted,
		Attempts:         result.Attempts,
		AffectedRows:     result.AffectedRows,
		SourceFailures:   len(result.SourceErrors),
		PendingDeletions: len(e.janitor.Pending()),
		Duration:         time.Since(start),
		At:               time.Now(),
	}

	if built != nil && built.Protected != nil {
		o.ProtectedFailures = len(built.Protected.Failed)
	}

	e.metrics.Observe(o)
}

// ListVersions returns up to limit versions, newest first. A limit < 1 means
// all of them.
func (e *Engine) ListVersions(limit int) ([]*version.StoreVersion, error) {
	return e.registry.List(limit)
}

// GetVersion returns the version with the given id, or an error wrapping
// version.ErrVersionNotFound.
func (e *Engine) GetVersion(id string) (*version.StoreVersion, error) {
	return e.registry.Get(id)
}

// Changes returns up to limit of the change records of version id, in the
// order they were recorded. A limit < 1 means all of them.
func (e *Engine) Changes(id string, limit int) ([]version.ChangeRecord, error) {
	if _, err := e.registry.Get(id); err != nil {
		return nil, err
	}

	return e.registry.Changes(id, limit)
}

// RollbackTo makes the store as it was before version id was swapped in the
// active store again, if that version's backup is still retained. The
// rollback is itself recorded as a new version of kind rollback.
func (e *Engine) RollbackTo(ctx context.Context, id string) (*VersionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	out, err := e.coord.RollbackTo(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &VersionResult{
		VersionID: out.VersionID,
		Status:    out.Status,
		Attempts:  out.Attempts,
		Swapped:   out.Swapped,
		Err:       out.Err,
	}

	e.observe(version.KindRollback, result, nil, start)

	return result, nil
}

// VerifyReport describes the health of the active store.
type VerifyReport struct {
	Path   string
	Tables []string

	// Integrity is nil if the store passed an integrity check.
	Integrity error

	// MissingProtected lists configured protected tables the store lacks.
	MissingProtected []string
}

// OK returns true if the store passed its integrity check and has every
// protected table.
func (r *VerifyReport) OK() bool {
	return r.Integrity == nil && len(r.MissingProtected) == 0
}

// Verify checks the integrity of the active store and that it has every
// configured protected table.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	s, err := e.ActiveStore(ctx)
	if err != nil {
		return nil, err
	}

	defer s.Close()

	report := &VerifyReport{Path: s.Path(), Integrity: s.IntegrityCheck(ctx)}

	if report.Tables, err = s.Tables(ctx); err != nil {
		return nil, err
	}

	for _, name := range e.cfg.Protected {
		ok, err := s.HasTable(ctx, store.MustIdent(name))
		if err != nil {
			return nil, err
		}

		if !ok {
			report.MissingProtected = append(report.MissingProtected, name)
		}
	}

	return report, nil
}

// ActiveStore opens the active store read-only. Opens that fail while a swap
// is renaming the file are retried briefly. The caller must Close it.
func (e *Engine) ActiveStore(ctx context.Context) (*store.Store, error) {
	var s *store.Store

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(openRetryBackoff), openRetries),
		ctx,
	)

	err := backoff.Retry(func() error {
		var err error

		s, err = store.OpenReadOnly(e.cfg.ActivePath)
		if errors.Is(err, store.ErrNotExist) {
			return backoff.Permanent(err)
		}

		return err
	}, b)
	if err != nil {
		return nil, fmt.Errorf("active store: %w", err)
	}

	return s, nil
}

// ExpiredArtifacts returns the paths Cleanup would delete.
func (e *Engine) ExpiredArtifacts() ([]string, error) {
	return e.coord.ExpiredPaths()
}

// Cleanup schedules deletion of expired backups and leftover artifacts.
func (e *Engine) Cleanup() {
	e.coord.Cleanup()
}

// PendingDeletions returns the paths waiting to be deleted in the background.
func (e *Engine) PendingDeletions() []string {
	return e.janitor.Pending()
}

// WaitForCleanup blocks until every scheduled deletion has been done or given
// up on, including waiting out their grace delays.
func (e *Engine) WaitForCleanup() {
	e.janitor.Wait()
}

// Close stops background deletion and closes the registry. Deletions still in
// their grace delay are skipped; a later Cleanup finds those files again.
func (e *Engine) Close() error {
	e.janitor.Close()

	if failed := e.janitor.Failed(); len(failed) > 0 {
		e.log.Warn("some old artifacts could not be deleted", "paths", failed)
	}

	if left := e.janitor.Left(); len(left) > 0 {
		e.log.Info("old artifacts left for a later clean", "paths", left)
	}

	return e.registry.Close()
}
