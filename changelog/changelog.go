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

// Package changelog computes the per-row changes between the old and new
// content of a merge-by-key table.
//
// In snapshot mode the new rows are taken to be the complete content of the
// table, so every key that is missing from them is recorded as deleted. A
// source that only supplies changed rows must be configured with patch mode
// instead, where absent keys are left alone.
package changelog

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/wtsi-hgi/forumstore/policy"
	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
)

var (
	ErrMissingKey   = errors.New("row has no value for the merge key")
	ErrDuplicateKey = errors.New("merge key value appears more than once")
)

// Side says which of the two row-sets a KeyError was found in.
type Side string

const (
	SideOld Side = "old"
	SideNew Side = "new"
)

// KeyError describes a row whose key could not be used.
type KeyError struct {
	Side Side
	Row  int
	Key  string
	Err  error
}

func (e *KeyError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s row %d: %s", e.Side, e.Row, e.Err)
	}

	return fmt.Sprintf("%s row %d: %s: %q", e.Side, e.Row, e.Err, e.Key)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Result is what merging a table's new rows into its old rows produces: the
// change records, and the rows the table should hold afterwards.
type Result struct {
	Changes []version.ChangeRecord
	Rows    []store.Row
}

// Counts returns the number of inserts, updates and deletes in the result.
func (r *Result) Counts() (inserts, updates, deletes int) {
	for _, c := range r.Changes {
		switch c.Type {
		case version.ChangeInsert:
			inserts++
		case version.ChangeUpdate:
			updates++
		case version.ChangeDelete:
			deletes++
		}
	}

	return inserts, updates, deletes
}

// Merge applies p, which must be a merge policy, to table.
func Merge(table string, p policy.Policy, oldRows, newRows []store.Row) (*Result, error) {
	if p.Mode == policy.ModePatch {
		changes, err := DiffPatch(table, p.KeyField, oldRows, newRows)
		if err != nil {
			return nil, err
		}

		rows, err := Overlay(p.KeyField, oldRows, newRows)

		return &Result{Changes: changes, Rows: rows}, err
	}

	changes, err := Diff(table, p.KeyField, oldRows, newRows)
	if err != nil {
		return nil, err
	}

	return &Result{Changes: changes, Rows: newRows}, nil
}

// Diff compares the rows of table before and after, keyed on keyField. It
// returns inserts and updates in the order of newRows, followed by deletes in
// the order of oldRows. Identical rows produce nothing.
func Diff(table, keyField string, oldRows, newRows []store.Row) ([]version.ChangeRecord, error) {
	return diff(table, keyField, oldRows, newRows, true)
}

// DiffPatch is like Diff, but never emits deletes.
func DiffPatch(table, keyField string, oldRows, newRows []store.Row) ([]version.ChangeRecord, error) {
	return diff(table, keyField, oldRows, newRows, false)
}

func diff(table, keyField string, oldRows, newRows []store.Row, deletes bool) ([]version.ChangeRecord, error) {
	oldIdx, oldKeys, err := index(SideOld, keyField, oldRows)
	if err != nil {
		return nil, err
	}

	_, newKeys, err := index(SideNew, keyField, newRows)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(newKeys))

	var changes []version.ChangeRecord

	for i, key := range newKeys {
		seen[key] = struct{}{}
		row := newRows[i]

		j, existed := oldIdx[key]
		if !existed {
			rec, errc := record(table, key, version.ChangeInsert, nil, row)
			if errc != nil {
				return nil, errc
			}

			changes = append(changes, rec)

			continue
		}

		if Equal(oldRows[j], row) {
			continue
		}

		rec, err := record(table, key, version.ChangeUpdate, oldRows[j], row)
		if err != nil {
			return nil, err
		}

		changes = append(changes, rec)
	}

	if !deletes {
		return changes, nil
	}

	for j, key := range oldKeys {
		if _, ok := seen[key]; ok {
			continue
		}

		rec, err := record(table, key, version.ChangeDelete, oldRows[j], nil)
		if err != nil {
			return nil, err
		}

		changes = append(changes, rec)
	}

	return changes, nil
}

// Overlay returns oldRows with every row of newRows applied over it by key:
// rows with a new key are appended, rows with an existing key replace the old
// row in place.
func Overlay(keyField string, oldRows, newRows []store.Row) ([]store.Row, error) {
	oldIdx, _, err := index(SideOld, keyField, oldRows)
	if err != nil {
		return nil, err
	}

	_, newKeys, err := index(SideNew, keyField, newRows)
	if err != nil {
		return nil, err
	}

	out := make([]store.Row, len(oldRows), len(oldRows)+len(newRows))
	copy(out, oldRows)

	for i, key := range newKeys {
		if j, ok := oldIdx[key]; ok {
			out[j] = newRows[i]

			continue
		}

		out = append(out, newRows[i])
	}

	return out, nil
}

func index(side Side, keyField string, rows []store.Row) (map[string]int, []string, error) {
	idx := make(map[string]int, len(rows))
	keys := make([]string, len(rows))

	for i, row := range rows {
		key, err := KeyOf(row, keyField)
		if err != nil {
			return nil, nil, &KeyError{Side: side, Row: i, Err: err}
		}

		if _, dup := idx[key]; dup {
			return nil, nil, &KeyError{Side: side, Row: i, Key: key, Err: ErrDuplicateKey}
		}

		idx[key] = i
		keys[i] = key
	}

	return idx, keys, nil
}

// KeyOf returns the stringified value of row's keyField, so that 1, 1.0 and
// "1" from different sources all give the key "1".
func KeyOf(row store.Row, keyField string) (string, error) {
	switch v := store.Normalize(row[keyField]).(type) {
	case nil:
		return "", ErrMissingKey
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Equal compares two rows field by field over the union of their fields, a
// missing field being equal to null.
func Equal(a, b store.Row) bool {
	for k, av := range a {
		if store.Normalize(av) != store.Normalize(b[k]) {
			return false
		}
	}

	for k, bv := range b {
		if _, ok := a[k]; !ok && store.Normalize(bv) != nil {
			return false
		}
	}

	return true
}

func record(table, key string, typ version.ChangeType, oldRow, newRow store.Row) (version.ChangeRecord, error) {
	rec := version.ChangeRecord{Table: table, Key: key, Type: typ}

	var err error

	if oldRow != nil {
		if rec.OldValue, err = store.EncodeRow(oldRow); err != nil {
			return rec, err
		}
	}

	if newRow != nil {
		rec.NewValue, err = store.EncodeRow(newRow)
	}

	return rec, err
}
