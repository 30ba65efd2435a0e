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

package swap

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/inconshreveable/log15"
	"github.com/wtsi-hgi/forumstore/internal/logs"
)

// JanitorConfig configures deferred deletion.
type JanitorConfig struct {
	// Grace is how long to wait after scheduling before the first attempt, so
	// that readers still holding the old file can let go of it.
	Grace time.Duration

	// Retry is the delay between failed attempts.
	Retry time.Duration

	// MaxAttempts is the number of attempts before giving up on a path.
	MaxAttempts int
}

// Janitor deletes files in the background after a grace delay, retrying
// failures. Failures never propagate: a path it gives up on is logged and
// left on disk. So is a path still in its grace delay when the Janitor is
// closed; Coordinator.Cleanup finds it again later.
type Janitor struct {
	cfg    JanitorConfig
	remove func(string) error
	log    log15.Logger

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}
	failed  []string
	left    []string
	closed  bool
}

// NewJanitor starts a janitor. Close it to stop it.
func NewJanitor(cfg JanitorConfig, logger log15.Logger) *Janitor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Janitor{
		cfg:     cfg,
		remove:  os.RemoveAll,
		log:     logs.OrDiscard(logger).New("component", "janitor"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]struct{}),
	}
}

// Schedule queues paths for deletion. Paths already queued are ignored.
func (j *Janitor) Schedule(paths ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, path := range paths {
		if _, ok := j.pending[path]; ok || path == "" {
			continue
		}

		if j.closed {
			j.leaveLocked(path)

			continue
		}

		j.pending[path] = struct{}{}
		j.wg.Add(1)

		go j.run(path)
	}
}

func (j *Janitor) run(path string) {
	defer j.wg.Done()

	timer := time.NewTimer(j.cfg.Grace)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-j.ctx.Done():
		j.leave(path)

		return
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(j.cfg.Retry), uint64(j.cfg.MaxAttempts-1)), //nolint:gosec
		j.ctx,
	)

	err := backoff.RetryNotify(func() error {
		return j.removeOnce(path)
	}, b, func(err error, next time.Duration) {
		j.log.Warn("deferred delete failed, will retry", "path", path, "err", err, "retry_in", next)
	})

	switch {
	case err == nil:
		j.done(path, nil)
	case errors.Is(err, context.Canceled):
		j.attemptOnceAndForget(path)
	default:
		j.done(path, err)
	}
}

func (j *Janitor) attemptOnceAndForget(path string) {
	j.done(path, j.removeOnce(path))
}

func (j *Janitor) removeOnce(path string) error {
	err := j.remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}

func (j *Janitor) leave(path string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.leaveLocked(path)
}

func (j *Janitor) leaveLocked(path string) {
	delete(j.pending, path)

	j.left = append(j.left, path)
	j.log.Info("not yet due for deletion, leaving it for a later clean", "path", path)
}

func (j *Janitor) done(path string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.pending, path)

	if err != nil {
		j.failed = append(j.failed, path)
		j.log.Error("gave up deleting", "path", path, "err", err)

		return
	}

	j.log.Debug("deleted", "path", path)
}

// Pending returns the paths still waiting to be deleted, sorted.
func (j *Janitor) Pending() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	paths := make([]string, 0, len(j.pending))
	for p := range j.pending {
		paths = append(paths, p)
	}

	slices.Sort(paths)

	return paths
}

// Failed returns the paths the janitor gave up on.
func (j *Janitor) Failed() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.Clone(j.failed)
}

// Left returns the paths that were still in their grace delay when the
// janitor was closed, and so were not deleted.
func (j *Janitor) Left() []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	return slices.Clone(j.left)
}

// Wait blocks until every scheduled deletion has succeeded or been given up
// on, without cutting grace delays short.
func (j *Janitor) Wait() {
	j.wg.Wait()
}

// Close stops the janitor and waits for it. Paths still in their grace delay
// are left on disk, since readers may still have them open. Paths already
// being retried get one final attempt.
func (j *Janitor) Close() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()

	j.cancel()
	j.wg.Wait()
}
