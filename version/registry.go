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
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"
	bolt "go.etcd.io/bbolt"
)

const (
	versionsBucketName = "versions"
	changesBucketName  = "changes"
	registryFilePerms  = 0o640
	idCollisionRetries = 3

	// a second registry opener (ie. a concurrent build in another process)
	// gives up after this long instead of blocking on the file lock.
	registryOpenTimeout = time.Second
)

var errIDCollision = errors.New("could not generate an unused version id")

// Registry is the append-only ledger of rebuild attempts and the change
// records they produced. It lives in its own bolt file beside the store it
// describes, so it survives every swap and rollback of that store.
type Registry struct {
	db  *bolt.DB
	ids IDGenerator
	now func() time.Time
	ch  codec.Handle
}

// OpenRegistry opens or creates the ledger at path. If ids is nil, a
// ClockIDGenerator is used.
func OpenRegistry(path string, ids IDGenerator) (*Registry, error) {
	if ids == nil {
		ids = NewClockIDGenerator()
	}

	db, err := bolt.Open(path, registryFilePerms, &bolt.Options{Timeout: registryOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open version registry %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, errc := tx.CreateBucketIfNotExists([]byte(versionsBucketName)); errc != nil {
			return errc
		}

		_, errc := tx.CreateBucketIfNotExists([]byte(changesBucketName))

		return errc
	})
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Registry{
		db:  db,
		ids: ids,
		now: time.Now,
		ch:  new(codec.BincHandle),
	}, nil
}

// Begin records the start of a new pending version of the given kind and
// returns its id. Any error here must abort the build.
func (r *Registry) Begin(kind Kind) (string, error) {
	if kind != KindFull && kind != KindIncremental && kind != KindRollback {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	var id string

	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(versionsBucketName))

		for range idCollisionRetries {
			candidate := r.ids.NewID()
			if b.Get([]byte(candidate)) != nil {
				continue
			}

			id = candidate

			return b.Put([]byte(id), r.encode(&StoreVersion{
				ID:        id,
				Kind:      kind,
				StartedAt: r.now(),
				Status:    StatusPending,
			}))
		}

		return errIDCollision
	})
	if err != nil {
		return "", fmt.Errorf("begin version: %w", err)
	}

	return id, nil
}

// Complete marks a pending version as completed with the given number of
// affected rows.
func (r *Registry) Complete(id string, affectedRows int64) error {
	return r.update(id, func(v *StoreVersion) {
		v.Status = StatusCompleted
		v.AffectedRows = affectedRows
		v.CompletedAt = r.now()
	})
}

// Fail marks a pending version as failed, recording details as the reason.
func (r *Registry) Fail(id, details string) error {
	return r.update(id, func(v *StoreVersion) {
		v.Status = StatusFailed
		v.Details = joinDetails(v.Details, details)
		v.CompletedAt = r.now()
	})
}

// Annotate appends details to a pending version.
func (r *Registry) Annotate(id, details string) error {
	return r.update(id, func(v *StoreVersion) {
		v.Details = joinDetails(v.Details, details)
	})
}

// SetBackupPath records where the store that a pending version replaces was
// backed up to.
func (r *Registry) SetBackupPath(id, path string) error {
	return r.update(id, func(v *StoreVersion) {
		v.BackupPath = path
	})
}

func joinDetails(existing, details string) string {
	switch {
	case details == "":
		return existing
	case existing == "":
		return details
	default:
		return existing + "; " + details
	}
}

func (r *Registry) update(id string, fn func(*StoreVersion)) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(versionsBucketName))

		v, err := r.getFrom(b, id)
		if err != nil {
			return err
		}

		if v.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrVersionFinalised, id, v.Status)
		}

		fn(v)

		return b.Put([]byte(id), r.encode(v))
	})
}

// Get returns the version with the given id, or ErrVersionNotFound.
func (r *Registry) Get(id string) (*StoreVersion, error) {
	var v *StoreVersion

	err := r.db.View(func(tx *bolt.Tx) error {
		var errg error

		v, errg = r.getFrom(tx.Bucket([]byte(versionsBucketName)), id)

		return errg
	})

	return v, err
}

func (r *Registry) getFrom(b *bolt.Bucket, id string) (*StoreVersion, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrVersionNotFound, id)
	}

	v := new(StoreVersion)
	if err := r.decode(data, v); err != nil {
		return nil, err
	}

	return v, nil
}

// List returns up to limit versions, newest first. A limit <= 0 returns all of
// them.
func (r *Registry) List(limit int) ([]*StoreVersion, error) {
	var versions []*StoreVersion

	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(versionsBucketName)).Cursor()

		for k, data := c.Last(); k != nil; k, data = c.Prev() {
			if limit > 0 && len(versions) >= limit {
				break
			}

			v := new(StoreVersion)
			if err := r.decode(data, v); err != nil {
				return err
			}

			versions = append(versions, v)
		}

		return nil
	})

	return versions, err
}

// AppendChanges stores change records against a pending version. Each
// record's VersionID is set to id.
func (r *Registry) AppendChanges(id string, records []ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		v, err := r.getFrom(tx.Bucket([]byte(versionsBucketName)), id)
		if err != nil {
			return err
		}

		if v.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrVersionFinalised, id, v.Status)
		}

		b, err := tx.Bucket([]byte(changesBucketName)).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}

		for i := range records {
			records[i].VersionID = id

			seq, err := b.NextSequence()
			if err != nil {
				return err
			}

			if err := b.Put(sequenceKey(seq), r.encode(&records[i])); err != nil {
				return err
			}
		}

		return nil
	})
}

func sequenceKey(seq uint64) []byte {
	k := make([]byte, 8) //nolint:mnd
	binary.BigEndian.PutUint64(k, seq)

	return k
}

// Changes returns up to limit change records of the given version in the order
// they were recorded. A limit <= 0 returns all of them.
func (r *Registry) Changes(id string, limit int) ([]ChangeRecord, error) {
	var records []ChangeRecord

	err := r.db.View(func(tx *bolt.Tx) error {
		if _, err := r.getFrom(tx.Bucket([]byte(versionsBucketName)), id); err != nil {
			return err
		}

		b := tx.Bucket([]byte(changesBucketName)).Bucket([]byte(id))
		if b == nil {
			return nil
		}

		c := b.Cursor()

		for k, data := c.First(); k != nil; k, data = c.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}

			var rec ChangeRecord
			if err := r.decode(data, &rec); err != nil {
				return err
			}

			records = append(records, rec)
		}

		return nil
	})

	return records, err
}

// CountChanges returns how many change records the given version has.
func (r *Registry) CountChanges(id string) (int, error) {
	var n int

	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(changesBucketName)).Bucket([]byte(id))
		if b != nil {
			n = b.Stats().KeyN
		}

		return nil
	})

	return n, err
}

// Path returns the location of the ledger file.
func (r *Registry) Path() string {
	return r.db.Path()
}

// Close closes the ledger file.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) encode(v any) []byte {
	var out []byte

	enc := codec.NewEncoderBytes(&out, r.ch)
	enc.MustEncode(v)

	return out
}

func (r *Registry) decode(encoded []byte, v any) error {
	return codec.NewDecoderBytes(encoded, r.ch).Decode(v)
}
