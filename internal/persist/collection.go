// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// collection is a table of records of type T keyed by an "id" column.
// R is the flat row struct sqlx maps the columns into.  Each method
// runs in its own transaction.
type collection[T any, R any] struct {
	db      *DB
	table   string
	columns []string // columns[0] is "id"
	toRow   func(T) R
	fromRow func(R) T

	// guard, when set, restricts which existing rows Update and
	// Upsert may overwrite.
	guard string
}

func (c *collection[T, R]) selectSql() string {
	return fmt.Sprintf("SELECT %s FROM %s", strings.Join(c.columns, ", "), c.table)
}

func (c *collection[T, R]) insertSql(verb string) string {
	named := make([]string, len(c.columns))
	for i, col := range c.columns {
		named[i] = ":" + col
	}
	return fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, c.table, strings.Join(c.columns, ", "), strings.Join(named, ", "))
}

func (c *collection[T, R]) assignments(value func(string) string) string {
	set := make([]string, 0, len(c.columns)-1)
	for _, col := range c.columns[1:] {
		set = append(set, col+" = "+value(col))
	}
	return strings.Join(set, ", ")
}

func (c *collection[T, R]) guarded(clause string) string {
	if c.guard == "" {
		return clause
	}
	return clause + " AND " + c.guard
}

// Count returns the number of rows.
func (c *collection[T, R]) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM "+c.table)
	return n, errors.Wrapf(err, "counting %s", c.table)
}

// exec runs the named statement once per record in one transaction
// and returns the number of rows changed.
func (c *collection[T, R]) exec(ctx context.Context, query string, records []T) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	total := 0
	err := c.db.inTx(ctx, func(tx *Tx) error {
		stmt, err := tx.tx.PrepareNamedContext(ctx, query)
		if err != nil {
			return errors.Wrapf(err, "db prepare statement failed for %q", query)
		}
		defer stmt.Close()
		for _, r := range records {
			res, err := stmt.ExecContext(ctx, c.toRow(r))
			if err != nil {
				return errors.Wrapf(err, "db exec failed for %q", query)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "reading affected rows")
			}
			total += int(n)
		}
		return nil
	})
	return total, err
}

// Insert adds records whose id is not yet present and ignores the
// rest.  It returns the number inserted.
func (c *collection[T, R]) Insert(ctx context.Context, records []T) (int, error) {
	return c.exec(ctx, c.insertSql("INSERT OR IGNORE"), records)
}

// Update overwrites existing records and ignores ids that are not
// present.  It returns the number updated.
func (c *collection[T, R]) Update(ctx context.Context, records []T) (int, error) {
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", c.table,
		c.assignments(func(col string) string { return ":" + col }),
		c.guarded("id = :id"))
	return c.exec(ctx, query, records)
}

// Upsert inserts or overwrites records.  It returns the number of
// rows written.
func (c *collection[T, R]) Upsert(ctx context.Context, records []T) (int, error) {
	query := c.insertSql("INSERT") + fmt.Sprintf(" ON CONFLICT (id) DO UPDATE SET %s",
		c.assignments(func(col string) string { return "excluded." + col }))
	if c.guard != "" {
		query += " WHERE " + c.guard
	}
	return c.exec(ctx, query, records)
}

// Exists reports whether any row matches f.
func (c *collection[T, R]) Exists(ctx context.Context, f Filter) (bool, error) {
	q, args, err := f.where(c.db.db, "SELECT 1 FROM "+c.table)
	if err != nil {
		return false, err
	}
	var one int
	err = c.db.db.GetContext(ctx, &one, q+" LIMIT 1", args...)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking existence in %s", c.table)
	}
	return true, nil
}

// Delete removes every row matching f and returns how many went.
func (c *collection[T, R]) Delete(ctx context.Context, f Filter) (int, error) {
	q, args, err := f.where(c.db.db, "DELETE FROM "+c.table)
	if err != nil {
		return 0, err
	}
	var n int64
	err = c.db.inTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return errors.Wrapf(err, "deleting from %s", c.table)
		}
		n, err = res.RowsAffected()
		return errors.Wrap(err, "reading affected rows")
	})
	return int(n), err
}

// FindMany returns the rows matching f in insertion order.
func (c *collection[T, R]) FindMany(ctx context.Context, f Filter) ([]T, error) {
	q, args, err := f.where(c.db.db, c.selectSql())
	if err != nil {
		return nil, err
	}
	var rows []R
	if err := c.db.db.SelectContext(ctx, &rows, q+" ORDER BY rowid", args...); err != nil {
		return nil, errors.Wrapf(err, "querying %s", c.table)
	}
	out := make([]T, len(rows))
	for i, r := range rows {
		out[i] = c.fromRow(r)
	}
	return out, nil
}

// FindAll returns every row in insertion order.
func (c *collection[T, R]) FindAll(ctx context.Context) ([]T, error) {
	return c.FindMany(ctx, All())
}

// FindOne returns the first row matching f.  The boolean is false
// when nothing matched.
func (c *collection[T, R]) FindOne(ctx context.Context, f Filter) (T, bool, error) {
	var zero T
	q, args, err := f.where(c.db.db, c.selectSql())
	if err != nil {
		return zero, false, err
	}
	var row R
	err = c.db.db.GetContext(ctx, &row, q+" ORDER BY rowid LIMIT 1", args...)
	if err == sql.ErrNoRows {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, errors.Wrapf(err, "querying %s", c.table)
	}
	return c.fromRow(row), true, nil
}
