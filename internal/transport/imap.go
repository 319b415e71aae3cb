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

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/message"
	"github.com/matta/mailpoll/internal/tracewire"
)

// imapTransport speaks IMAP4rev1 through go-imap.  Message ids are
// INBOX UIDs in decimal.
type imapTransport struct {
	dialer *Dialer
	log    *zap.Logger

	mu        sync.Mutex
	client    *imapclient.Client
	encrypted bool
	selected  bool
	stop      func() bool
}

func (t *imapTransport) Connect(ctx context.Context, enc Encryption, host string) error {
	addr, serverName, _, err := t.dialer.address(IMAP, enc, host)
	if err != nil {
		return err
	}
	options := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: serverName},
	}
	if t.dialer.Trace != nil {
		options.DebugWriter = tracewire.New(t.dialer.Trace.Named("imap"))
	}

	dctx, cancel := context.WithTimeout(ctx, t.dialer.timeout())
	defer cancel()

	var (
		client    *imapclient.Client
		encrypted bool
	)
	switch enc.(type) {
	case implicitTLS:
		d := tls.Dialer{Config: options.TLSConfig}
		conn, err := d.DialContext(dctx, "tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "dialing %s", addr)
		}
		client, encrypted = imapclient.New(conn, options), true
	case startTLS:
		var d net.Dialer
		conn, err := d.DialContext(dctx, "tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "dialing %s", addr)
		}
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			conn.Close()
			return errors.Wrapf(err, "STARTTLS with %s", addr)
		}
		encrypted = true
	case unencrypted:
		var d net.Dialer
		conn, err := d.DialContext(dctx, "tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "dialing %s", addr)
		}
		client = imapclient.New(conn, options)
	default:
		return errors.Wrapf(ErrUnknownEncryption, "%v", enc)
	}

	t.mu.Lock()
	t.client = client
	t.encrypted = encrypted
	t.selected = false
	t.stop = context.AfterFunc(ctx, func() { client.Close() })
	t.mu.Unlock()

	t.log.Debug("connected", zap.String("addr", addr), zap.Stringer("encryption", enc))
	return nil
}

func (t *imapTransport) conn() (*imapclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *imapTransport) Login(ctx context.Context, user, password string) error {
	c, err := t.conn()
	if err != nil {
		return err
	}
	if err := c.Login(user, password).Wait(); err != nil {
		return errors.Wrapf(err, "logging in as %s", user)
	}
	return nil
}

func (t *imapTransport) IsConnected() bool {
	c, err := t.conn()
	if err != nil {
		return false
	}
	switch c.State() {
	case imap.ConnStateNone, imap.ConnStateLogout:
		return false
	}
	return true
}

func (t *imapTransport) IsEncrypted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client != nil && t.encrypted
}

// selectInbox opens INBOX read-only once per connection.
func (t *imapTransport) selectInbox(c *imapclient.Client) error {
	t.mu.Lock()
	done := t.selected
	t.mu.Unlock()
	if done {
		return nil
	}
	if _, err := c.Select(message.Inbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return errors.Wrapf(err, "selecting %s", message.Inbox)
	}
	t.mu.Lock()
	t.selected = true
	t.mu.Unlock()
	return nil
}

func (t *imapTransport) ListIDs(ctx context.Context) ([]string, error) {
	c, err := t.conn()
	if err != nil {
		return nil, err
	}
	if err := t.selectInbox(c); err != nil {
		return nil, err
	}
	data, err := c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, errors.Wrap(err, "searching for all messages")
	}
	uids := data.AllUIDs()
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return ids, nil
}

func (t *imapTransport) HeaderBytes(ctx context.Context, id string) ([]byte, error) {
	return t.fetchSection(id, &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierHeader,
		Peek:      true,
	})
}

func (t *imapTransport) MessageBytes(ctx context.Context, id string) ([]byte, error) {
	return t.fetchSection(id, &imap.FetchItemBodySection{Peek: true})
}

func (t *imapTransport) fetchSection(id string, section *imap.FetchItemBodySection) ([]byte, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing message id %q", id)
	}
	c, err := t.conn()
	if err != nil {
		return nil, err
	}
	if err := t.selectInbox(c); err != nil {
		return nil, err
	}
	cmd := c.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	msgs, err := cmd.Collect()
	if err != nil {
		return nil, errors.Wrapf(err, "fetching message %s", id)
	}
	for _, m := range msgs {
		if m.UID != imap.UID(uid) {
			continue
		}
		if b := m.FindBodySection(section); b != nil {
			return b, nil
		}
	}
	return nil, nil
}

func (t *imapTransport) Close() error {
	t.mu.Lock()
	c, stop := t.client, t.stop
	t.client, t.stop, t.selected = nil, nil, false
	t.mu.Unlock()
	if stop != nil {
		stop()
	}
	if c == nil {
		return nil
	}
	if err := c.Logout().Wait(); err != nil {
		t.log.Debug("logout failed", zap.Error(err))
	}
	return errors.Wrap(c.Close(), "closing imap connection")
}
