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
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const reservedPrefix = "sqlite_"

// Ident is a validated table or column name. The only way to get a non-zero
// Ident is ParseIdent, so every identifier that reaches a statement has been
// checked.
type Ident struct {
	name string
}

// ParseIdent validates s as an identifier: a letter or underscore followed by
// letters, digits or underscores, and not in SQLite's reserved "sqlite_"
// namespace.
func ParseIdent(s string) (Ident, error) {
	if !identPattern.MatchString(s) || strings.HasPrefix(strings.ToLower(s), reservedPrefix) {
		return Ident{}, fmt.Errorf("%w: %q", ErrInvalidIdent, s)
	}

	return Ident{name: s}, nil
}

// MustIdent is like ParseIdent but panics on invalid input. Only use it with
// constants.
func MustIdent(s string) Ident {
	id, err := ParseIdent(s)
	if err != nil {
		panic(err)
	}

	return id
}

// ParseIdents validates each of names.
func ParseIdents(names []string) ([]Ident, error) {
	ids := make([]Ident, len(names))

	for i, name := range names {
		id, err := ParseIdent(name)
		if err != nil {
			return nil, err
		}

		ids[i] = id
	}

	return ids, nil
}

func (i Ident) String() string { return i.name }

// IsZero returns true for the zero Ident.
func (i Ident) IsZero() bool { return i.name == "" }

// Quoted returns the identifier in double quotes, ready for a statement.
func (i Ident) Quoted() string { return `"` + i.name + `"` }

func quoteList(ids []Ident) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = id.Quoted()
	}

	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}

	return strings.Repeat("?, ", n-1) + "?"
}
