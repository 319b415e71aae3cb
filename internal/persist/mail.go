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

	"github.com/pkg/errors"

	"github.com/matta/mailpoll/internal/message"
)

type headerRow struct {
	ID          string `db:"id"`
	Date        *int64 `db:"date"`
	Subject     string `db:"subject"`
	FromName    string `db:"from_name"`
	FromAddress string `db:"from_address"`
	FromLocal   string `db:"from_local"`
	FromDomain  string `db:"from_domain"`
	Folder      string `db:"folder"`
}

func headerToRow(h message.Header) headerRow {
	return headerRow{
		ID:          h.ID,
		Date:        unixOrNull(h.Date),
		Subject:     h.Subject,
		FromName:    h.From.Name,
		FromAddress: h.From.Address,
		FromLocal:   h.From.LocalPart,
		FromDomain:  h.From.DomainPart,
		Folder:      h.Folder,
	}
}

func headerFromRow(r headerRow) message.Header {
	return message.Header{
		ID:      r.ID,
		Date:    timeOrZero(r.Date),
		Subject: r.Subject,
		From: message.Sender{
			Name:       r.FromName,
			Address:    r.FromAddress,
			LocalPart:  r.FromLocal,
			DomainPart: r.FromDomain,
		},
		Folder: r.Folder,
	}
}

type contentRow struct {
	ID           string `db:"id"`
	Date         *int64 `db:"date"`
	MessageID    string `db:"message_id"`
	Text         string `db:"text"`
	HTML         string `db:"html"`
	CustomHeader string `db:"custom_header"`
	Complete     bool   `db:"complete"`
}

func contentToRow(c message.Content) contentRow {
	return contentRow{
		ID:           c.ID,
		Date:         unixOrNull(c.Date),
		MessageID:    c.MessageID,
		Text:         c.Text,
		HTML:         c.HTML,
		CustomHeader: c.CustomHeader,
		Complete:     c.Complete,
	}
}

func contentFromRow(r contentRow) message.Content {
	return message.Content{
		ID:           r.ID,
		Date:         timeOrZero(r.Date),
		MessageID:    r.MessageID,
		Text:         r.Text,
		HTML:         r.HTML,
		CustomHeader: r.CustomHeader,
		Complete:     r.Complete,
	}
}

// Headers is the collection of message headers.
type Headers struct {
	collection[message.Header, headerRow]
}

// Contents is the collection of message contents.  Update and Upsert
// never overwrite a complete record.
type Contents struct {
	collection[message.Content, contentRow]
}

func (db *DB) Headers() *Headers {
	return &Headers{collection[message.Header, headerRow]{
		db:    db,
		table: "mail_headers",
		columns: []string{"id", "date", "subject", "from_name",
			"from_address", "from_local", "from_domain", "folder"},
		toRow:   headerToRow,
		fromRow: headerFromRow,
	}}
}

func (db *DB) Contents() *Contents {
	return &Contents{collection[message.Content, contentRow]{
		db:    db,
		table: "mail_contents",
		columns: []string{"id", "date", "message_id", "text", "html",
			"custom_header", "complete"},
		toRow:   contentToRow,
		fromRow: contentFromRow,
		guard:   "complete = 0",
	}}
}

// Claim reserves id for download.  It writes a placeholder when no
// record exists, resets an incomplete one, and leaves a complete one
// alone.  It reports whether the caller now owns the download.
func (c *Contents) Claim(ctx context.Context, id string) (bool, error) {
	const q = `
INSERT INTO mail_contents (id, complete) VALUES (?, 0)
ON CONFLICT (id) DO UPDATE SET complete = 0
WHERE complete = 0`
	claimed := false
	err := c.db.inTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, q, id)
		if err != nil {
			return errors.Wrapf(err, "claiming content %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "reading affected rows")
		}
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// The methods below are the narrow view the sync engine needs.

func (db *DB) HeaderExists(ctx context.Context, id string) (bool, error) {
	return db.Headers().Exists(ctx, ByID(id))
}

func (db *DB) InsertHeaders(ctx context.Context, headers []message.Header) error {
	n, err := db.Headers().Insert(ctx, headers)
	if err != nil {
		return err
	}
	if n != len(headers) {
		db.log.Debug("ignored already cached headers")
	}
	return nil
}

func (db *DB) AllHeaders(ctx context.Context) ([]message.Header, error) {
	return db.Headers().FindAll(ctx)
}

func (db *DB) FindContent(ctx context.Context, id string) (message.Content, bool, error) {
	return db.Contents().FindOne(ctx, ByID(id))
}

func (db *DB) ClaimContent(ctx context.Context, id string) (bool, error) {
	return db.Contents().Claim(ctx, id)
}

// CompleteContent replaces the placeholder for c.ID with c.  It
// returns an error when there is no placeholder to replace.
func (db *DB) CompleteContent(ctx context.Context, c message.Content) error {
	n, err := db.Contents().Update(ctx, []message.Content{c})
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Errorf("no placeholder for content %s", c.ID)
	}
	return nil
}
