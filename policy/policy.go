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

// Package policy holds the per-table update policies: whether a table is
// replaced wholesale by its source, or merged by key with every change
// recorded.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wtsi-hgi/forumstore/store"
	"github.com/wtsi-hgi/forumstore/version"
)

// Kind says how a table's source rows are applied.
type Kind int

const (
	KindReplace Kind = iota
	KindMergeByKey
)

func (k Kind) String() string {
	if k == KindMergeByKey {
		return "merge"
	}

	return "replace"
}

// MergeMode says what a merge source's row-set represents.
type MergeMode string

const (
	// ModeSnapshot sources supply the complete content of the table: keys
	// absent from the source are deleted.
	ModeSnapshot MergeMode = "snapshot"

	// ModePatch sources supply only new or changed rows: absent keys are kept.
	ModePatch MergeMode = "patch"
)

const (
	replaceName = "replace"
	mergePrefix = "merge"
	mergeParts  = 3
)

var (
	errNoMode      = errors.New("merge policy needs a mode (snapshot or patch)")
	errUnknownMode = errors.New("unknown merge mode")
	errMalformed   = errors.New(`policy must be "replace" or "merge:<key>:<snapshot|patch>"`)
)

// Policy is the update policy of one table. The zero value is Replace.
type Policy struct {
	Kind     Kind
	KeyField string
	Mode     MergeMode
}

// Replace returns the replace-wholesale policy.
func Replace() Policy {
	return Policy{Kind: KindReplace}
}

// MergeByKey returns a merge policy keyed on keyField.
func MergeByKey(keyField string, mode MergeMode) Policy {
	return Policy{Kind: KindMergeByKey, KeyField: keyField, Mode: mode}
}

// IsMerge returns true for merge-by-key policies.
func (p Policy) IsMerge() bool { return p.Kind == KindMergeByKey }

// Parse parses "replace" or "merge:<key>:<mode>".
func Parse(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == replaceName {
		return Replace(), nil
	}

	parts := strings.Split(s, ":")
	if parts[0] != mergePrefix || len(parts) < mergeParts-1 || len(parts) > mergeParts {
		return Policy{}, fmt.Errorf("%w: %q", errMalformed, s)
	}

	p := Policy{Kind: KindMergeByKey, KeyField: parts[1]}
	if len(parts) == mergeParts {
		p.Mode = MergeMode(parts[2])
	}

	return p, p.Validate()
}

// Validate checks that a merge policy has a valid key field and a mode.
func (p Policy) Validate() error {
	if !p.IsMerge() {
		return nil
	}

	if _, err := store.ParseIdent(p.KeyField); err != nil {
		return fmt.Errorf("merge key: %w", err)
	}

	switch p.Mode {
	case ModeSnapshot, ModePatch:
		return nil
	case "":
		return errNoMode
	default:
		return fmt.Errorf("%w: %q", errUnknownMode, p.Mode)
	}
}

func (p Policy) String() string {
	if !p.IsMerge() {
		return replaceName
	}

	return strings.Join([]string{mergePrefix, p.KeyField, string(p.Mode)}, ":")
}

// Map is the caller-supplied table name to policy mapping. It is
// authoritative: a table's policy is never inferred from its data.
type Map map[string]Policy

// Lookup returns the policy of table, Replace if the table isn't configured.
func (m Map) Lookup(table string) Policy {
	if p, ok := m[table]; ok {
		return p
	}

	return Replace()
}

// Validate checks every entry, returning a *version.ConfigError naming the
// first bad one.
func (m Map) Validate() error {
	for _, table := range m.Tables() {
		if _, err := store.ParseIdent(table); err != nil {
			return version.NewConfigError("policies", err)
		}

		if err := m[table].Validate(); err != nil {
			return version.NewConfigError("policies."+table, err)
		}
	}

	return nil
}

// Tables returns the configured table names, sorted.
func (m Map) Tables() []string {
	tables := make([]string, 0, len(m))
	for t := range m {
		tables = append(tables, t)
	}

	sort.Strings(tables)

	return tables
}

// ParseMap parses a table name to policy string mapping, as found in config
// files.
func ParseMap(raw map[string]string) (Map, error) {
	m := make(Map, len(raw))

	for table, s := range raw {
		p, err := Parse(s)
		if err != nil {
			return nil, version.NewConfigError("policies."+table, err)
		}

		m[table] = p
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}
