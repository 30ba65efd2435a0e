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

// Package store is the physical store format shared by the active and staging
// locations: a single SQLite file. All statements are built here from
// validated identifiers and "?" parameters.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

// Error is the type of the sentinel errors of this package.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrInvalidIdent    = Error("invalid identifier")
	ErrNilRow          = Error("nil row")
	ErrTableExists     = Error("table already exists")
	ErrTableNotFound   = Error("table not found")
	ErrNotExist        = Error("store does not exist")
	ErrIntegrity       = Error("store failed integrity check")
	ErrReadOnly        = Error("store is read-only")
	ErrColumnsMismatch = Error("table definition does not have the row's columns")
)

const (
	driverName       = "sqlite3"
	busyTimeoutMS    = 5000
	attachedSchema   = "src"
	integrityOK      = "ok"
	tableTypeTable   = "table"
	schemaQueryLimit = 1
)

// Store is an open SQLite store file. It holds a single connection, so ATTACH
// and PRAGMA state is consistent across calls.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens the store at path for writing, creating it if necessary. The
// rollback journal is used rather than WAL, so a closed store is always a
// single self-contained file that can be renamed into place.
func Open(path string) (*Store, error) {
	return open(path, false)
}

// OpenReadOnly opens an existing store without any possibility of changing it.
// It returns ErrNotExist if there is no file at path.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotExist, path)
	}

	return open(path, true)
}

func open(path string, readOnly bool) (*Store, error) {
	db, err := sql.Open(driverName, dsn(path, readOnly))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	return &Store{db: db, path: path, readOnly: readOnly}, nil
}

func dsn(path string, readOnly bool) string {
	params := fmt.Sprintf("_busy_timeout=%d&_journal_mode=DELETE", busyTimeoutMS)
	if readOnly {
		params = fmt.Sprintf("mode=ro&_busy_timeout=%d", busyTimeoutMS)
	}

	return "file:" + path + "?" + params
}

// Path returns the file the store was opened from.
func (s *Store) Path() string { return s.path }

// Close closes the store's connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tables returns the names of the user tables in the store, sorted.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = ? AND name NOT LIKE 'sqlite\\_%' ESCAPE '\\' ORDER BY name",
		tableTypeTable)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}

	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

// HasTable returns true if the store has the given table.
func (s *Store) HasTable(ctx context.Context, table Ident) (bool, error) {
	return s.hasTableIn(ctx, "main", table)
}

func (s *Store) hasTableIn(ctx context.Context, schema string, table Ident) (bool, error) {
	var n int

	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM "+schema+".sqlite_master WHERE type = ? AND name = ?",
		tableTypeTable, table.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("look up table %s: %w", table, err)
	}

	return n > 0, nil
}

// Column describes one column of a table.
type Column struct {
	Name       Ident
	Type       string
	PrimaryKey bool
}

// Columns returns the columns of table in definition order.
func (s *Store) Columns(ctx context.Context, table Ident) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, type, pk FROM pragma_table_info(?)", table.String())
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}

	defer rows.Close()

	var cols []Column

	for rows.Next() {
		var (
			name, typ string
			pk        int
		)

		if err := rows.Scan(&name, &typ, &pk); err != nil {
			return nil, err
		}

		id, err := ParseIdent(name)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}

		cols = append(cols, Column{Name: id, Type: typ, PrimaryKey: pk > 0})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	return cols, nil
}

// TableDefinition returns the CREATE TABLE statement of table exactly as the
// store holds it.
func (s *Store) TableDefinition(ctx context.Context, table Ident) (string, error) {
	var ddl string

	err := s.db.QueryRowContext(ctx,
		"SELECT sql FROM sqlite_master WHERE type = ? AND name = ? LIMIT ?",
		tableTypeTable, table.String(), schemaQueryLimit).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	return ddl, err
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table Ident) (int64, error) {
	var n int64

	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM "+table.Quoted()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}

	return n, nil
}

// IntegrityCheck runs SQLite's integrity check, returning ErrIntegrity with
// the reported problems if it does not come back "ok".
func (s *Store) IntegrityCheck(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}

	defer rows.Close()

	var problems []string

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return err
		}

		if line != integrityOK {
			problems = append(problems, line)
		}
	}

	if err := rows.Err(); err != nil {
		return err
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s: %s", ErrIntegrity, s.path, strings.Join(problems, "; "))
	}

	return nil
}

// Exec runs a single caller-supplied statement. It is used for post-import
// scripts and is refused on read-only stores.
func (s *Store) Exec(ctx context.Context, statement string) error {
	if s.readOnly {
		return ErrReadOnly
	}

	_, err := s.db.ExecContext(ctx, statement)

	return err
}
