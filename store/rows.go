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

package store

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"time"

	"github.com/ugorji/go/codec"
)

// Row is one flat record: column name to value.
type Row map[string]any

// Iterator supplies rows one at a time, in the style of sql.Rows. Err should be
// checked once Next returns false. Iterators that also implement io.Closer are
// closed by whoever drains them.
type Iterator interface {
	Next() bool
	Row() Row
	Err() error
}

// SliceIterator is an Iterator over rows held in memory.
type SliceIterator struct {
	rows []Row
	pos  int
}

// Rows returns an Iterator over the given rows.
func Rows(rows ...Row) *SliceIterator {
	return &SliceIterator{rows: rows, pos: -1}
}

func (s *SliceIterator) Next() bool {
	if s.pos+1 >= len(s.rows) {
		s.pos = len(s.rows)

		return false
	}

	s.pos++

	return true
}

func (s *SliceIterator) Row() Row {
	if s.pos < 0 || s.pos >= len(s.rows) {
		return nil
	}

	return s.rows[s.pos]
}

func (s *SliceIterator) Err() error { return nil }

// RowError says which row of an Iterator or slice could not be handled.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Collect drains it into a slice. A failure is returned as a *RowError
// pointing at the first row that could not be read.
func Collect(it Iterator) ([]Row, error) {
	var rows []Row

	for it.Next() {
		row := it.Row()
		if row == nil {
			return rows, &RowError{Row: len(rows), Err: ErrNilRow}
		}

		rows = append(rows, row)
	}

	if err := it.Err(); err != nil {
		return rows, &RowError{Row: len(rows), Err: err}
	}

	return rows, nil
}

// ColumnsOf returns the sorted union of the column names used by rows,
// validated as identifiers.
func ColumnsOf(rows []Row) ([]Ident, error) {
	seen := make(map[string]struct{})

	for i, row := range rows {
		for name := range row {
			if _, ok := seen[name]; ok {
				continue
			}

			if _, err := ParseIdent(name); err != nil {
				return nil, &RowError{Row: i, Err: err}
			}

			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}

	slices.Sort(names)

	return ParseIdents(names)
}

var jsonHandle = newJSONHandle() //nolint:gochecknoglobals

func newJSONHandle() *codec.JsonHandle {
	h := new(codec.JsonHandle)
	h.Canonical = true

	return h
}

// Normalize maps a value to the canonical form used when comparing rows: nil,
// int64, float64 (only for non-integral numbers) or string. Booleans become
// 0/1 as SQLite stores them, byte slices become strings, times become
// RFC3339 strings and composite values become canonical JSON. NaN becomes
// nil, as SQLite stores it as NULL.
func Normalize(v any) any { //nolint:gocyclo,cyclop
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case []byte:
		return string(x)
	case bool:
		if x {
			return int64(1)
		}

		return int64(0)
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint64:
		return normalizeUint(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}

		if f, err := x.Float64(); err == nil {
			return normalizeFloat(f)
		}

		return x.String()
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return encodeComposite(v)
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}

	return strconv.FormatUint(u, 10) //nolint:mnd
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) {
		return nil
	}

	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}

	return f
}

func encodeComposite(v any) any {
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice || rv.Kind() == reflect.Pointer) && rv.IsNil() {
		return nil
	}

	var out []byte

	if err := codec.NewEncoderBytes(&out, jsonHandle).Encode(v); err != nil {
		return fmt.Sprint(v)
	}

	return string(out)
}

// driverValue is like Normalize, but keeps byte slices as blobs so they are
// stored the way the source supplied them.
func driverValue(v any) any {
	if b, ok := v.([]byte); ok {
		return b
	}

	return Normalize(v)
}

// NormalizeRow returns a copy of row with every value passed through
// Normalize.
func NormalizeRow(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = Normalize(v)
	}

	return out
}

// EncodeRow serialises row as canonical JSON (keys sorted) after normalising
// its values. It is the snapshot format of change records.
func EncodeRow(row Row) ([]byte, error) {
	var out []byte

	err := codec.NewEncoderBytes(&out, jsonHandle).Encode(map[string]any(NormalizeRow(row)))

	return out, err
}

// Fingerprints returns the canonical encoding of each row, sorted, so that two
// row-sets can be compared as multisets. Null fields are left out, so a row
// missing a column matches one holding null there.
func Fingerprints(rows []Row) ([]string, error) {
	fps := make([]string, len(rows))

	for i, row := range rows {
		nonNull := make(Row, len(row))

		for k, v := range row {
			if v = Normalize(v); v != nil {
				nonNull[k] = v
			}
		}

		enc, err := EncodeRow(nonNull)
		if err != nil {
			return nil, err
		}

		fps[i] = string(enc)
	}

	slices.Sort(fps)

	return fps, nil
}

// ContainsAll returns true if every fingerprint in sub appears in fps at least
// as many times. Both must be sorted, as returned by Fingerprints.
func ContainsAll(fps, sub []string) bool {
	i := 0

	for _, want := range sub {
		for i < len(fps) && fps[i] < want {
			i++
		}

		if i == len(fps) || fps[i] != want {
			return false
		}

		i++
	}

	return true
}
