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

// Package persist is the local cache of message headers and contents,
// kept in a SQLite database.
//
// Only one process should open a given database file at a time.
package persist

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	createTableSql = []string{
		// The mail_headers table holds one row per message id ever
		// seen on the server.  Rows are written once and never
		// changed by the engine.
		//
		// Field: id
		//
		//   The server assigned message id: an IMAP UID in decimal
		//   or a POP3 UIDL value.
		//
		// Field: date
		//
		//   The Date header in Unix seconds.  NULL when the header
		//   was missing or could not be parsed.
		//
		// Fields: from_name, from_address, from_local, from_domain
		//
		//   The first address of the From header, split.
		`
CREATE TABLE IF NOT EXISTS mail_headers (
id TEXT NOT NULL PRIMARY KEY,
date INTEGER,
subject TEXT NOT NULL DEFAULT '',
from_name TEXT NOT NULL DEFAULT '',
from_address TEXT NOT NULL DEFAULT '',
from_local TEXT NOT NULL DEFAULT '',
from_domain TEXT NOT NULL DEFAULT '',
folder TEXT NOT NULL DEFAULT ''
);`,
		// The mail_contents table holds downloaded message bodies.
		//
		// Field: id
		//
		//   As in mail_headers.id.  Not enforced as a foreign key.
		//
		// Field: complete
		//
		//   0 for a placeholder written when a download was claimed,
		//   1 once the body has been stored.  A complete row is never
		//   overwritten.
		//
		// Field: custom_header
		//
		//   Value of the X-Spam header.
		`
CREATE TABLE IF NOT EXISTS mail_contents (
id TEXT NOT NULL PRIMARY KEY,
date INTEGER,
message_id TEXT NOT NULL DEFAULT '',
text TEXT NOT NULL DEFAULT '',
html TEXT NOT NULL DEFAULT '',
custom_header TEXT NOT NULL DEFAULT '',
complete INTEGER NOT NULL DEFAULT 0
);`,
	}
)

type DB struct {
	db  *sqlx.DB
	log *zap.Logger
}

type Tx struct {
	tx *sqlx.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens or creates the database at path and makes sure the
// schema exists.
func Open(ctx context.Context, path string, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("persist")

	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  Immediate
	// transactions take the write lock up front so that two writers
	// never deadlock upgrading a shared lock.
	var busyTimeout = int(time.Minute / time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_txlock":       {"immediate"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Info("opening database", zap.String("dsn", dsn))
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}
	db.SetMaxOpenConns(1)

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

// inTx runs f in a transaction that is committed when f returns nil
// and rolled back otherwise.
func (db *DB) inTx(ctx context.Context, f func(*Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.log.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit failed")
}

func initSchema(ctx context.Context, db *sqlx.DB, log *zap.Logger) error {
	for _, sql := range createTableSql {
		log.Debug("SQL Exec", zap.String("sql", sql))
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// unixOrNull stores the zero time as NULL.
func unixOrNull(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	s := t.Unix()
	return &s
}

func timeOrZero(s *int64) time.Time {
	if s == nil {
		return time.Time{}
	}
	return time.Unix(*s, 0).UTC()
}
