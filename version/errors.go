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
	"fmt"
	"strings"
)

// Error is the type of the sentinel errors of this package.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrVersionNotFound is returned when a version id is not in the ledger.
	ErrVersionNotFound = Error("version not found")

	// ErrVersionFinalised is returned when trying to change a version whose
	// status is already completed or failed.
	ErrVersionFinalised = Error("version already finalised")

	// ErrInvalidKind is returned when beginning a version of an unknown kind.
	ErrInvalidKind = Error("invalid version kind")
)

// ConfigError means the caller's configuration is unusable. It is always
// detected before any store is touched.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError is a convenience for returning a *ConfigError about field.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// SourceImportError is a failure to import one source. Row is the 0-based
// index of the offending row, or -1 if not known.
type SourceImportError struct {
	Source string
	Table  string
	Row    int
	Err    error
}

func (e *SourceImportError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "import of source %q into table %q failed", e.Source, e.Table)

	if e.Row >= 0 {
		fmt.Fprintf(&b, " at row %d", e.Row)
	}

	fmt.Fprintf(&b, ": %s", e.Err)

	return b.String()
}

func (e *SourceImportError) Unwrap() error { return e.Err }

// ProtectedCopyError means a protected collection could not be carried into
// the staging store intact. Any such error prevents the swap.
type ProtectedCopyError struct {
	Table string
	Err   error
}

func (e *ProtectedCopyError) Error() string {
	return fmt.Sprintf("protected table %q: %s", e.Table, e.Err)
}

func (e *ProtectedCopyError) Unwrap() error { return e.Err }

// TransientSwapError means activating the staging store kept failing with
// lock contention until the retry budget ran out.
type TransientSwapError struct {
	Attempts int
	Err      error
}

func (e *TransientSwapError) Error() string {
	return fmt.Sprintf("swap still failing after %d attempts: %s", e.Attempts, e.Err)
}

func (e *TransientSwapError) Unwrap() error { return e.Err }

// FatalSwapError is an unrecoverable failure during the commit phase. Op names
// the step that failed (eg. "backup", "rename").
type FatalSwapError struct {
	Op  string
	Err error
}

func (e *FatalSwapError) Error() string {
	return fmt.Sprintf("swap %s failed: %s", e.Op, e.Err)
}

func (e *FatalSwapError) Unwrap() error { return e.Err }
