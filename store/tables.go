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
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Schema is the definition of a table as the store holds it: its CREATE TABLE
// statement followed by the statements for its indexes and triggers.
type Schema struct {
	Create string
	Extra  []string
}

// Schema returns the stored definition of table.
func (s *Store) Schema(ctx context.Context, table Ident) (*Schema, error) {
	return schemaOf(ctx, s.db, "main", table)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func schemaOf(ctx context.Context, q querier, schema string, table Ident) (*Schema, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT type, sql FROM "+schema+".sqlite_master WHERE tbl_name = ? AND sql IS NOT NULL "+
			"ORDER BY CASE type WHEN 'table' THEN 0 WHEN 'index' THEN 1 ELSE 2 END, name",
		table.String())
	if err != nil {
		return nil, fmt.Errorf("schema of %s: %w", table, err)
	}

	defer rows.Close()

	sch := new(Schema)

	for rows.Next() {
		var typ, ddl string
		if err := rows.Scan(&typ, &ddl); err != nil {
			return nil, err
		}

		if typ == tableTypeTable {
			sch.Create = ddl
		} else {
			sch.Extra = append(sch.Extra, ddl)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if sch.Create == "" {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	return sch, nil
}

// ReadRows returns every row of table. Values come back as SQLite stored
// them (int64, float64, string or []byte, nil), without any conversion based
// on declared column types.
func (s *Store) ReadRows(ctx context.Context, table Ident) ([]Row, error) {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	// a unary plus has no declared type, so the driver won't turn DATETIME or
	// BOOLEAN columns into Go types that would no longer compare equal to
	// source values.
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = "+" + c.Name.Quoted()
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+strings.Join(exprs, ", ")+" FROM "+table.Quoted()) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	defer rows.Close()

	var out []Row

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range vals {
			ptrs[i] = &vals[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("read %s: %w", table, err)
		}

		row := make(Row, len(cols))
		for i, c := range cols {
			row[c.Name.String()] = vals[i]
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

// WriteTable (re)creates table holding exactly the given rows, in a single
// transaction. If schema is nil the table gets one untyped column per column
// used by rows; otherwise schema's statements are used and every column used
// by rows must exist in it (ErrColumnsMismatch). A nil schema with no rows
// leaves the store without the table.
func (s *Store) WriteTable(ctx context.Context, table Ident, schema *Schema, rows []Row) (err error) {
	if s.readOnly {
		return ErrReadOnly
	}

	cols, err := ColumnsOf(rows)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Quoted()); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}

	if err = createTable(ctx, tx, table, schema, cols); err != nil {
		return err
	}

	if err = insertRows(ctx, tx, table, cols, rows); err != nil {
		return err
	}

	if schema != nil {
		for _, ddl := range schema.Extra {
			if _, err = tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("recreate index or trigger of %s: %w", table, err)
			}
		}
	}

	return tx.Commit()
}

func createTable(ctx context.Context, tx *sql.Tx, table Ident, schema *Schema, cols []Ident) error {
	if schema == nil {
		if len(cols) == 0 {
			return nil
		}

		_, err := tx.ExecContext(ctx, "CREATE TABLE "+table.Quoted()+" ("+quoteList(cols)+")")

		return err
	}

	if _, err := tx.ExecContext(ctx, schema.Create); err != nil {
		return fmt.Errorf("create %s: %w", table, err)
	}

	have, err := columnNames(ctx, tx, table)
	if err != nil {
		return err
	}

	for _, c := range cols {
		if _, ok := have[c.String()]; !ok {
			return fmt.Errorf("%w: %s has no column %s", ErrColumnsMismatch, table, c)
		}
	}

	return nil
}

func columnNames(ctx context.Context, q querier, table Ident) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table.String())
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	names := make(map[string]struct{})

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		names[name] = struct{}{}
	}

	return names, rows.Err()
}

func insertRows(ctx context.Context, tx *sql.Tx, table Ident, cols []Ident, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO "+table.Quoted()+ //nolint:gosec
		" ("+quoteList(cols)+") VALUES ("+placeholders(len(cols))+")")
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", table, err)
	}

	defer stmt.Close()

	args := make([]any, len(cols))

	for i, row := range rows {
		for j, c := range cols {
			args[j] = driverValue(row[c.String()])
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return &RowError{Row: i, Err: fmt.Errorf("insert into %s: %w", table, err)}
		}
	}

	return nil
}

// CopyTableFrom copies table, with its indexes and triggers and all of its
// rows, from the store file at srcPath into this store, returning the number
// of rows copied. The table must not already exist here (ErrTableExists), and
// must exist in the source (ErrTableNotFound).
func (s *Store) CopyTableFrom(ctx context.Context, srcPath string, table Ident) (n int64, err error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}

	if _, err = s.db.ExecContext(ctx, "ATTACH DATABASE ? AS "+attachedSchema, srcPath); err != nil {
		return 0, fmt.Errorf("attach %s: %w", srcPath, err)
	}

	defer func() {
		if _, errd := s.db.ExecContext(context.Background(), "DETACH DATABASE "+attachedSchema); errd != nil {
			err = errors.Join(err, fmt.Errorf("detach %s: %w", srcPath, errd))
		}
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}

	n, err = copyAttachedTable(ctx, tx, table)
	if err != nil {
		_ = tx.Rollback()

		return 0, err
	}

	return n, tx.Commit()
}

func copyAttachedTable(ctx context.Context, tx *sql.Tx, table Ident) (int64, error) {
	if err := requireTable(ctx, tx, "main", table, false); err != nil {
		return 0, err
	}

	if err := requireTable(ctx, tx, attachedSchema, table, true); err != nil {
		return 0, err
	}

	sch, err := schemaOf(ctx, tx, attachedSchema, table)
	if err != nil {
		return 0, err
	}

	if _, err = tx.ExecContext(ctx, sch.Create); err != nil {
		return 0, fmt.Errorf("create %s: %w", table, err)
	}

	res, err := tx.ExecContext(ctx, "INSERT INTO main."+table.Quoted()+" SELECT * FROM "+ //nolint:gosec
		attachedSchema+"."+table.Quoted())
	if err != nil {
		return 0, fmt.Errorf("copy rows of %s: %w", table, err)
	}

	for _, ddl := range sch.Extra {
		if _, err = tx.ExecContext(ctx, ddl); err != nil {
			return 0, fmt.Errorf("recreate index or trigger of %s: %w", table, err)
		}
	}

	return res.RowsAffected()
}

func requireTable(ctx context.Context, tx *sql.Tx, schema string, table Ident, want bool) error {
	var n int

	err := tx.QueryRowContext(ctx,
		"SELECT count(*) FROM "+schema+".sqlite_master WHERE type = ? AND name = ?",
		tableTypeTable, table.String()).Scan(&n)
	if err != nil {
		return fmt.Errorf("look up table %s: %w", table, err)
	}

	switch {
	case want && n == 0:
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	case !want && n > 0:
		return fmt.Errorf("%w: %s", ErrTableExists, table)
	}

	return nil
}

// DropTable removes table if it exists.
func (s *Store) DropTable(ctx context.Context, table Ident) error {
	if s.readOnly {
		return ErrReadOnly
	}

	_, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Quoted())

	return err
}
