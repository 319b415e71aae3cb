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
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/knadh/go-pop3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// pop3Transport speaks POP3 through go-pop3.  Message ids are UIDL
// values; the message numbers they map to are refreshed by ListIDs.
type pop3Transport struct {
	dialer *Dialer
	log    *zap.Logger

	mu        sync.Mutex
	conn      *pop3.Conn
	raw       net.Conn
	encrypted bool
	numbers   map[string]int
	stop      func() bool
}

func (t *pop3Transport) Connect(ctx context.Context, enc Encryption, host string) error {
	_, serverName, port, err := t.dialer.address(POP3, enc, host)
	if err != nil {
		return err
	}
	var tlsEnabled bool
	switch enc.(type) {
	case implicitTLS:
		tlsEnabled = true
	case unencrypted:
	case startTLS:
		return errors.Wrapf(ErrUnsupportedEncryption, "%v over %v", enc, POP3)
	default:
		return errors.Wrapf(ErrUnknownEncryption, "%v", enc)
	}

	d := &ctxDialer{ctx: ctx, timeout: t.dialer.timeout()}
	client := pop3.New(pop3.Opt{
		Host:        serverName,
		Port:        port,
		TLSEnabled:  tlsEnabled,
		DialTimeout: d.timeout,
		Dialer:      d,
	})
	conn, err := client.NewConn()
	if err != nil {
		if d.conn != nil {
			d.conn.Close()
		}
		return errors.Wrapf(err, "dialing %s:%d", serverName, port)
	}
	raw := d.conn
	if err := raw.SetDeadline(time.Time{}); err != nil {
		raw.Close()
		return errors.Wrap(err, "clearing greeting deadline")
	}

	t.mu.Lock()
	t.conn = conn
	t.raw = raw
	t.encrypted = tlsEnabled
	t.numbers = nil
	// Closing the socket fails any command in flight.  QUIT is left to
	// Close so it never interleaves with another command's reply.
	t.stop = context.AfterFunc(ctx, func() { raw.Close() })
	t.mu.Unlock()

	t.log.Debug("connected", zap.String("host", serverName), zap.Int("port", port),
		zap.Stringer("encryption", enc))
	return nil
}

// ctxDialer dials under ctx and keeps the plain connection so it can
// be closed from outside the library.  The greeting must arrive within
// timeout.
type ctxDialer struct {
	ctx     context.Context
	timeout time.Duration
	conn    net.Conn
}

func (d *ctxDialer) Dial(network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(d.ctx, network, address)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

func (t *pop3Transport) get() (*pop3.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	return t.conn, nil
}

func (t *pop3Transport) Login(ctx context.Context, user, password string) error {
	c, err := t.get()
	if err != nil {
		return err
	}
	if err := c.Auth(user, password); err != nil {
		return errors.Wrapf(err, "logging in as %s", user)
	}
	return nil
}

func (t *pop3Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *pop3Transport) IsEncrypted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.encrypted
}

func (t *pop3Transport) ListIDs(ctx context.Context) ([]string, error) {
	c, err := t.get()
	if err != nil {
		return nil, err
	}
	msgs, err := c.Uidl(0)
	if err != nil {
		return nil, errors.Wrap(err, "listing message uids")
	}
	ids := make([]string, 0, len(msgs))
	numbers := make(map[string]int, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.UID)
		numbers[m.UID] = m.ID
	}
	t.mu.Lock()
	t.numbers = numbers
	t.mu.Unlock()
	return ids, nil
}

// number maps a UIDL value to its message number in this session,
// listing again if it is not yet known.  Zero means absent.
func (t *pop3Transport) number(ctx context.Context, id string) (int, error) {
	t.mu.Lock()
	n, ok := t.numbers[id]
	t.mu.Unlock()
	if ok {
		return n, nil
	}
	if _, err := t.ListIDs(ctx); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numbers[id], nil
}

func (t *pop3Transport) HeaderBytes(ctx context.Context, id string) ([]byte, error) {
	n, err := t.number(ctx, id)
	if err != nil || n == 0 {
		return nil, err
	}
	c, err := t.get()
	if err != nil {
		return nil, err
	}
	e, err := c.Top(n, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching header of message %s", id)
	}
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, e.Header.Header); err != nil {
		return nil, errors.Wrapf(err, "serializing header of message %s", id)
	}
	return buf.Bytes(), nil
}

func (t *pop3Transport) MessageBytes(ctx context.Context, id string) ([]byte, error) {
	n, err := t.number(ctx, id)
	if err != nil || n == 0 {
		return nil, err
	}
	c, err := t.get()
	if err != nil {
		return nil, err
	}
	b, err := c.RetrRaw(n)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving message %s", id)
	}
	return b.Bytes(), nil
}

func (t *pop3Transport) Close() error {
	t.mu.Lock()
	c, raw, stop := t.conn, t.raw, t.stop
	t.conn, t.raw, t.stop, t.numbers = nil, nil, nil, nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	if stop != nil && !stop() {
		// ctx was cancelled and the socket is already closed.
		return nil
	}
	if err := c.Quit(); err != nil {
		raw.Close()
		return errors.Wrap(err, "closing pop3 connection")
	}
	return nil
}
