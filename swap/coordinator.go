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

// Package swap publishes staging stores: it backs up the active store, renames
// the staging store over it with retries, restores the backup if that never
// succeeds, and cleans up old artifacts in the background.
package swap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/inconshreveable/log15"
	"github.com/wtsi-hgi/forumstore/internal/logs"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
)

const (
	backoffMultiplier    = 2
	backoffRandomization = 0.2

	opBackup   = "backup"
	opRename   = "rename"
	opStage    = "stage"
	opRestore  = "restore"
	opComplete = "complete"

	completeAttempts = 3
)

// ErrStoreLocked can be returned by a rename function to say the active store
// is held open by another process and the rename should be retried. Real
// platform lock errors are recognised without it.
var ErrStoreLocked = errors.New("active store is locked")

// ErrSwappedNotRecorded means the new store was swapped in but its version
// could not be marked completed, so the registry still shows it pending.
var ErrSwappedNotRecorded = errors.New("store swapped in but version not recorded as completed")

// ErrBackupNotRetained is returned by RollbackTo when the requested version's
// backup no longer exists.
var ErrBackupNotRetained = errors.New("backup not retained")

// Config holds the retry and retention settings of a Coordinator.
type Config struct {
	// MaxAttempts is the maximum number of rename attempts.
	MaxAttempts int

	// BaseDelay is the delay after the first failed attempt; each following
	// delay doubles, up to MaxDelay, with jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Budget bounds the total time spent retrying. 0 means no bound beyond
	// MaxAttempts.
	Budget time.Duration

	// RetainBackups is how many of the newest backups are kept for RollbackTo.
	RetainBackups int
}

// Outcome is the result of trying to publish one version.
type Outcome struct {
	VersionID    string
	Status       version.Status
	AffectedRows int64
	Attempts     int
	BackupPath   string

	// Swapped is true if the new store became the active one, even if Status
	// isn't completed.
	Swapped bool

	Err error
}

// Coordinator publishes versions of the store at one path.
type Coordinator struct {
	cfg        Config
	activePath string
	artifacts  Artifacts
	registry   *version.Registry
	janitor    *Janitor
	log        log15.Logger

	rename   func(oldpath, newpath string) error
	copyFile func(src, dst string) error
}

// NewCoordinator returns a Coordinator for the store at activePath, keeping
// its artifacts as described by artifacts and handing expired ones to
// janitor.
func NewCoordinator(activePath string, artifacts Artifacts, registry *version.Registry, janitor *Janitor,
	cfg Config, logger log15.Logger) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return &Coordinator{
		cfg:        cfg,
		activePath: activePath,
		artifacts:  artifacts,
		registry:   registry,
		janitor:    janitor,
		log:        logs.OrDiscard(logger),
		rename:     os.Rename,
		copyFile:   store.CopyFile,
	}
}

// SetRenamer replaces the function used to move files into the active path.
// It is meant for simulating locked stores.
func (c *Coordinator) SetRenamer(rename func(oldpath, newpath string) error) {
	c.rename = rename
}

// Commit backs up the active store and then renames stagingPath over it,
// retrying while the store is locked. If the rename never succeeds the
// active store is restored from the backup if it differs from it, the
// version is marked failed, and stagingPath is left on disk. Cancelling ctx
// stops retrying, but the commit still finishes by restoring.
func (c *Coordinator) Commit(ctx context.Context, id, stagingPath string, affected int64) *Outcome {
	out := &Outcome{VersionID: id, Status: version.StatusFailed, AffectedRows: affected}
	log := c.log.New("version", id)

	if ok, err := store.Exists(stagingPath); err != nil || !ok {
		return c.fail(log, out, &version.FatalSwapError{Op: opStage,
			Err: errors.Join(err, fmt.Errorf("%w: %s", store.ErrNotExist, stagingPath))})
	}

	if err := ctx.Err(); err != nil {
		return c.fail(log, out, err)
	}

	backupPath, err := c.backup(id)
	if err != nil {
		return c.fail(log, out, &version.FatalSwapError{Op: opBackup, Err: err})
	}

	out.BackupPath = backupPath

	log.Info("swapping in new store", "staging", stagingPath, "backup", backupPath)

	out.Attempts, err = c.renameWithRetries(ctx, log, stagingPath)
	if err != nil {
		if rerr := c.restore(log, id, backupPath); rerr != nil {
			err = errors.Join(err, &version.FatalSwapError{Op: opRestore, Err: rerr})
		}

		return c.fail(log, out, err)
	}

	if err := store.SyncDir(filepath.Dir(c.activePath)); err != nil {
		log.Warn("could not sync store directory", "err", err)
	}

	out.Swapped = true

	if err := c.complete(ctx, log, id, affected); err != nil {
		log.Error("new store is active, but its version is still pending in the registry", "err", err)

		out.Status = version.StatusPending
		out.Err = &version.FatalSwapError{Op: opComplete, Err: fmt.Errorf("%w: %w", ErrSwappedNotRecorded, err)}

		return out
	}

	out.Status = version.StatusCompleted

	log.Info("version completed", "affected", affected, "attempts", out.Attempts)

	c.Cleanup()

	return out
}

// complete marks the version completed, retrying briefly since the store has
// already been swapped in.
func (c *Coordinator) complete(ctx context.Context, log log15.Logger, id string, affected int64) error {
	b := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.cfg.BaseDelay), completeAttempts-1), context.WithoutCancel(ctx))

	return backoff.RetryNotify(func() error {
		err := c.registry.Complete(id, affected)
		if errors.Is(err, version.ErrVersionNotFound) || errors.Is(err, version.ErrVersionFinalised) {
			return backoff.Permanent(err)
		}

		return err
	}, b, func(err error, next time.Duration) {
		log.Warn("could not complete version, will retry", "err", err, "retry_in", next)
	})
}

func (c *Coordinator) fail(log log15.Logger, out *Outcome, err error) *Outcome {
	out.Err = err

	log.Error("swap failed", "err", err)

	if ferr := c.registry.Fail(out.VersionID, err.Error()); ferr != nil {
		log.Error("could not mark version failed", "err", ferr)
	}

	return out
}

// backup copies the active store to the version's backup path, returning ""
// if there is no active store yet.
func (c *Coordinator) backup(id string) (string, error) {
	exists, err := store.Exists(c.activePath)
	if err != nil || !exists {
		return "", err
	}

	backupPath := c.artifacts.Backup(id)
	partial := backupPath + partialSuffix

	if err = c.copyFile(c.activePath, partial); err != nil {
		_ = os.Remove(partial)

		return "", err
	}

	if err = os.Rename(partial, backupPath); err != nil {
		_ = os.Remove(partial)

		return "", err
	}

	if err = c.registry.SetBackupPath(id, backupPath); err != nil {
		return "", err
	}

	return backupPath, nil
}

func (c *Coordinator) newBackOff(ctx context.Context) backoff.BackOff { //nolint:ireturn
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.BaseDelay
	eb.Multiplier = backoffMultiplier
	eb.RandomizationFactor = backoffRandomization
	eb.MaxInterval = c.cfg.MaxDelay
	eb.MaxElapsedTime = c.cfg.Budget

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxAttempts-1)), ctx) //nolint:gosec
}

// renameWithRetries moves src over the active store, returning the number of
// attempts made. Errors that aren't transient stop it at once as a
// *version.FatalSwapError; running out of attempts, budget or ctx gives a
// *version.TransientSwapError.
func (c *Coordinator) renameWithRetries(ctx context.Context, log log15.Logger, src string) (int, error) {
	var (
		attempts int
		lastErr  error
	)

	err := backoff.RetryNotify(func() error {
		attempts++

		err := c.rename(src, c.activePath)
		if err == nil {
			return nil
		}

		lastErr = err

		if !isTransient(err) {
			return backoff.Permanent(&version.FatalSwapError{Op: opRename, Err: err})
		}

		return err
	}, c.newBackOff(ctx), func(err error, next time.Duration) {
		log.Warn("active store busy, retrying swap", "attempt", attempts, "err", err, "retry_in", next)
	})

	if err == nil {
		return attempts, nil
	}

	var fatal *version.FatalSwapError
	if errors.As(err, &fatal) {
		return attempts, fatal
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		lastErr = errors.Join(lastErr, ctxErr)
	}

	return attempts, &version.TransientSwapError{Attempts: attempts, Err: lastErr}
}

// restore puts the backup back as the active store if the active store no
// longer matches it byte for byte.
func (c *Coordinator) restore(log log15.Logger, id, backupPath string) error {
	if backupPath == "" {
		return nil
	}

	same, err := store.SameContent(c.activePath, backupPath)
	if err == nil && same {
		log.Info("active store is unchanged, nothing to restore")

		return nil
	}

	log.Warn("restoring active store from backup", "backup", backupPath)

	restorePath := c.artifacts.Restore(id)
	_ = os.Remove(restorePath)

	if err = c.copyFile(backupPath, restorePath); err != nil {
		return err
	}

	// the restore has to finish even if the caller gave up waiting.
	_, err = c.renameWithRetries(context.Background(), log, restorePath)

	return err
}

// Abort discards the staging store of a version that never reached the swap,
// and marks the version failed because of cause.
func (c *Coordinator) Abort(id, stagingPath string, cause error) {
	log := c.log.New("version", id)

	for _, path := range []string{stagingPath, stagingPath + journalSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("could not remove staging store, leaving it to the janitor", "path", path, "err", err)
			c.janitor.Schedule(path)
		}
	}

	c.fail(log, &Outcome{VersionID: id}, cause)
}

// ExpiredPaths returns the artifacts Cleanup would delete: backups beyond the
// retention count and every leftover artifact, except those of versions still
// in progress and the staging stores of versions whose swap failed.
func (c *Coordinator) ExpiredPaths() ([]string, error) {
	arts, err := c.artifacts.Find()
	if err != nil {
		return nil, err
	}

	_, toDelete := Expired(arts, c.cfg.RetainBackups, c.keepForNow)

	paths := make([]string, len(toDelete))
	for i, art := range toDelete {
		paths[i] = art.Path
	}

	return paths, nil
}

// Cleanup schedules deletion of the ExpiredPaths.
func (c *Coordinator) Cleanup() {
	paths, err := c.ExpiredPaths()
	if err != nil {
		c.log.Warn("could not look for old artifacts", "err", err)

		return
	}

	if len(paths) > 0 {
		c.log.Debug("scheduling deletion of old artifacts", "count", len(paths))
		c.janitor.Schedule(paths...)
	}
}

func (c *Coordinator) keepForNow(art Artifact) bool {
	v, err := c.registry.Get(art.VersionID)
	if errors.Is(err, version.ErrVersionNotFound) {
		return false
	}

	if err != nil || v.Status == version.StatusPending {
		return true
	}

	return v.Status == version.StatusFailed && art.Kind != ArtifactBackup
}

// RollbackTo makes the backup taken when version id was swapped in the
// active store again, as a new version of kind rollback. The current active
// store is backed up first, like any other swap.
func (c *Coordinator) RollbackTo(ctx context.Context, id string) (*Outcome, error) {
	target, err := c.registry.Get(id)
	if err != nil {
		return nil, err
	}

	if ok, errs := store.Exists(target.BackupPath); target.BackupPath == "" || errs != nil || !ok {
		return nil, fmt.Errorf("%w: version %s", ErrBackupNotRetained, id)
	}

	if err = checkIntegrity(ctx, target.BackupPath); err != nil {
		return nil, err
	}

	rid, err := c.registry.Begin(version.KindRollback)
	if err != nil {
		return nil, err
	}

	if err = c.registry.Annotate(rid, "rollback to "+id); err != nil {
		return nil, err
	}

	restorePath := c.artifacts.Restore(rid)

	if err = c.copyFile(target.BackupPath, restorePath); err != nil {
		c.Abort(rid, restorePath, &version.FatalSwapError{Op: opRestore, Err: err})

		return &Outcome{VersionID: rid, Status: version.StatusFailed, Err: err}, nil
	}

	return c.Commit(ctx, rid, restorePath, 0), nil
}

func checkIntegrity(ctx context.Context, path string) error {
	s, err := store.OpenReadOnly(path)
	if err != nil {
		return err
	}

	defer s.Close()

	return s.IntegrityCheck(ctx)
}
