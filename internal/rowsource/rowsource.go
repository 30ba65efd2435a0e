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

// Package rowsource reads rows from JSON-lines files, optionally gzipped, for
// feeding to a build.
package rowsource

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/ugorji/go/codec"
	"github.com/wtsi-hgi/forumstore/store"
)

const gzSuffix = ".gz"

// ErrNotObject is returned for a line that isn't a JSON object.
var ErrNotObject = errors.New("not a JSON object")

// Reader is a store.Iterator over the objects of a JSON-lines stream. Numbers
// without a fractional part become int64, others float64.
type Reader struct {
	r       *bufio.Reader
	handle  *codec.JsonHandle
	closers []io.Closer
	row     store.Row
	err     error
}

func newHandle() *codec.JsonHandle {
	h := new(codec.JsonHandle)
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.SignedInteger = true

	return h
}

// New returns a Reader of r.
func New(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), handle: newHandle()}
}

// Open returns a Reader of the file at path, which is gunzipped if its name
// ends in .gz. Close it when done.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(path, gzSuffix) {
		rd := New(f)
		rd.closers = []io.Closer{f}

		return rd, nil
	}

	gr, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()

		return nil, err
	}

	rd := New(gr)
	rd.closers = []io.Closer{gr, f}

	return rd, nil
}

// Next reads the next object, returning false at the end of the stream or on
// error.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}

	line, err := r.nextLine()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = err
		}

		r.row = nil

		return false
	}

	var v any

	if err = codec.NewDecoderBytes(line, r.handle).Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		r.err = err
		r.row = nil

		return false
	}

	m, ok := v.(map[string]any)
	if !ok {
		r.err = ErrNotObject
		r.row = nil

		return false
	}

	r.row = store.Row(m)

	return true
}

// nextLine returns the next non-blank line, or io.EOF.
func (r *Reader) nextLine() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			return trimmed, nil
		}

		if err != nil {
			return nil, err
		}
	}
}

// Row returns the object read by the last call to Next.
func (r *Reader) Row() store.Row {
	return r.row
}

// Err returns the error that stopped Next, if any.
func (r *Reader) Err() error {
	return r.err
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	var err error

	for _, c := range r.closers {
		err = errors.Join(err, c.Close())
	}

	r.closers = nil

	return err
}
