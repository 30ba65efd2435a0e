package internaltest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/wtsi-hgi/forumstore/store"
)

// NewStoreFile creates a store at path and runs the given statements against
// it, asserting they all succeed.
func NewStoreFile(path string, statements ...string) {
	s, err := store.Open(path)
	So(err, ShouldBeNil)

	for _, stmt := range statements {
		So(s.Exec(context.Background(), stmt), ShouldBeNil)
	}

	So(s.Close(), ShouldBeNil)
}

// NumberedRows returns statements that create table with an integer id
// primary key and a text column, holding n rows.
func NumberedRows(table string, n int) []string {
	stmts := []string{fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, val TEXT)", table)}

	if n == 0 {
		return stmts
	}

	values := make([]string, n)
	for i := range n {
		values[i] = fmt.Sprintf("(%d, 'v%d')", i+1, i+1)
	}

	return append(stmts, fmt.Sprintf("INSERT INTO %s VALUES %s", table, strings.Join(values, ", ")))
}

// CountRows opens the store at path read-only and returns the number of rows
// in table.
func CountRows(path, table string) int64 {
	s, err := store.OpenReadOnly(path)
	So(err, ShouldBeNil)

	defer s.Close()

	n, err := s.Count(context.Background(), store.MustIdent(table))
	So(err, ShouldBeNil)

	return n
}

// ReadTable opens the store at path read-only and returns the normalised rows
// of table.
func ReadTable(path, table string) []store.Row {
	s, err := store.OpenReadOnly(path)
	So(err, ShouldBeNil)

	defer s.Close()

	rows, err := s.ReadRows(context.Background(), store.MustIdent(table))
	So(err, ShouldBeNil)

	for i, row := range rows {
		rows[i] = store.NormalizeRow(row)
	}

	return rows
}

// TablesOf returns the table names of the store at path.
func TablesOf(path string) []string {
	s, err := store.OpenReadOnly(path)
	So(err, ShouldBeNil)

	defer s.Close()

	tables, err := s.Tables(context.Background())
	So(err, ShouldBeNil)

	return tables
}

// DirEntries returns the sorted names of the entries in dir.
func DirEntries(dir string) []string {
	entries, err := os.ReadDir(dir)
	So(err, ShouldBeNil)

	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}

	return names
}

// FilesMatching returns the paths in dir whose names match the glob pattern.
func FilesMatching(dir, pattern string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	So(err, ShouldBeNil)

	return matches
}
