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

// Package version holds the data model of store rebuilds: the StoreVersion
// ledger entries, the per-row ChangeRecords produced by merge imports, the
// error taxonomy shared by the build and swap phases, and the Registry that
// persists all of them.
package version

import "time"

// Kind describes what sort of rebuild a StoreVersion represents.
type Kind string

const (
	// KindFull rebuilds the store from protected collections plus the supplied
	// sources only; tables no source mentions are dropped.
	KindFull Kind = "full"

	// KindIncremental additionally carries every other table of the active
	// store forward verbatim.
	KindIncremental Kind = "incremental"

	// KindRollback re-activates a retained backup.
	KindRollback Kind = "rollback"
)

// Valid returns true for the kinds callers may request for a build.
func (k Kind) Valid() bool {
	return k == KindFull || k == KindIncremental
}

// Status is the lifecycle state of a StoreVersion.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal returns true if a version with this status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StoreVersion is one build-and-swap attempt.
type StoreVersion struct {
	ID           string    `codec:"id"`
	Kind         Kind      `codec:"kind"`
	StartedAt    time.Time `codec:"started"`
	CompletedAt  time.Time `codec:"completed"`
	Status       Status    `codec:"status"`
	AffectedRows int64     `codec:"affected"`
	Details      string    `codec:"details"`

	// BackupPath is where the active store was copied before this version was
	// swapped in. Empty if there was no active store yet or the build never
	// reached the swap phase.
	BackupPath string `codec:"backup"`
}

// Completed returns the completion time and whether the version has one.
func (v *StoreVersion) Completed() (time.Time, bool) {
	return v.CompletedAt, !v.CompletedAt.IsZero()
}

// ChangeType says what happened to a row of a merge-policy table.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeRecord is one insert, update or delete found by diffing a merge-policy
// table's old and new content. OldValue and NewValue are serialised row
// snapshots; nil means null.
type ChangeRecord struct {
	VersionID string     `codec:"version"`
	Table     string     `codec:"table"`
	Key       string     `codec:"key"`
	Type      ChangeType `codec:"type"`
	OldValue  []byte     `codec:"old"`
	NewValue  []byte     `codec:"new"`
}
