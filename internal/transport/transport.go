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

// Package transport connects to remote mailboxes over IMAP or POP3.
package transport

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerKind selects the mailbox protocol.  It is a closed set: IMAP
// and POP3 are the only implementations.
type ServerKind interface {
	String() string
	serverKind()
}

type imapKind struct{}
type pop3Kind struct{}

func (imapKind) serverKind() {}
func (imapKind) String() string { return "imap" }
func (pop3Kind) serverKind() {}
func (pop3Kind) String() string { return "pop3" }

var (
	IMAP ServerKind = imapKind{}
	POP3 ServerKind = pop3Kind{}
)

// Encryption selects how the connection is secured.  It is a closed
// set of ImplicitTLS, Unencrypted and StartTLS.
type Encryption interface {
	String() string
	encryption()
}

type implicitTLS struct{}
type unencrypted struct{}
type startTLS struct{}

func (implicitTLS) encryption() {}
func (implicitTLS) String() string { return "tls" }
func (unencrypted) encryption() {}
func (unencrypted) String() string { return "none" }
func (startTLS) encryption() {}
func (startTLS) String() string { return "starttls" }

var (
	ImplicitTLS Encryption = implicitTLS{}
	Unencrypted Encryption = unencrypted{}
	StartTLS    Encryption = startTLS{}
)

var (
	ErrUnknownServerKind     = errors.New("unknown server kind")
	ErrUnknownEncryption     = errors.New("unknown encryption mode")
	ErrUnsupportedEncryption = errors.New("encryption mode not supported by this server kind")
	ErrNotConnected          = errors.New("not connected")
)

// ParseServerKind parses "imap" or "pop3", ignoring case.
func ParseServerKind(s string) (ServerKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imap":
		return IMAP, nil
	case "pop3", "pop":
		return POP3, nil
	}
	return nil, errors.Wrapf(ErrUnknownServerKind, "%q", s)
}

// ParseEncryption parses "tls" (or "ssl"), "none" (or "plain") and
// "starttls", ignoring case.
func ParseEncryption(s string) (Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tls", "ssl", "implicit":
		return ImplicitTLS, nil
	case "none", "plain", "unencrypted":
		return Unencrypted, nil
	case "starttls":
		return StartTLS, nil
	}
	return nil, errors.Wrapf(ErrUnknownEncryption, "%q", s)
}

// Secure reports whether a connection made with enc is expected to be
// encrypted once established.
func Secure(enc Encryption) bool {
	switch enc.(type) {
	case implicitTLS, startTLS:
		return true
	}
	return false
}

// DefaultPort returns the well known port for the kind and encryption.
func DefaultPort(kind ServerKind, enc Encryption) int {
	tls := false
	switch enc.(type) {
	case implicitTLS:
		tls = true
	}
	switch kind.(type) {
	case imapKind:
		if tls {
			return 993
		}
		return 143
	case pop3Kind:
		if tls {
			return 995
		}
		return 110
	}
	return 0
}

// Transport is one connection to a remote mailbox.  It is not safe for
// concurrent use; open one per task.
type Transport interface {
	// Connect opens the connection.  Cancelling ctx after Connect
	// returns closes the connection, unblocking any pending call.
	Connect(ctx context.Context, enc Encryption, host string) error
	Login(ctx context.Context, user, password string) error

	IsConnected() bool
	IsEncrypted() bool

	// ListIDs returns every message id in the inbox, oldest first.
	ListIDs(ctx context.Context) ([]string, error)

	// HeaderBytes returns the raw header block of a message, or nil
	// and no error when the server has no such message.
	HeaderBytes(ctx context.Context, id string) ([]byte, error)

	// MessageBytes returns the full raw message, or nil and no error
	// when the server has no such message.
	MessageBytes(ctx context.Context, id string) ([]byte, error)

	Close() error
}

// Dialer builds transports.  The zero value gives unlimited, untraced
// transports on the default ports.
type Dialer struct {
	// Port overrides the default port when non-zero.
	Port int

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Limiter, when set, throttles every remote call.
	Limiter *rate.Limiter

	// Trace, when set, receives the raw protocol exchange.
	Trace *zap.Logger

	Log *zap.Logger
}

// New returns an unconnected transport for the given kind.
func (d *Dialer) New(kind ServerKind) (Transport, error) {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	var t Transport
	switch kind.(type) {
	case imapKind:
		t = &imapTransport{dialer: d, log: log.Named("imap")}
	case pop3Kind:
		t = &pop3Transport{dialer: d, log: log.Named("pop3")}
	default:
		return nil, errors.Wrapf(ErrUnknownServerKind, "%v", kind)
	}
	if d.Limiter != nil {
		t = Limit(t, d.Limiter)
	}
	return t, nil
}

// address joins host with the configured or default port.  A host that
// already names a port is used unchanged.
func (d *Dialer) address(kind ServerKind, enc Encryption, host string) (string, string, int, error) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return "", "", 0, errors.Wrapf(err, "parsing port of %q", host)
		}
		return host, h, port, nil
	}
	port := d.Port
	if port == 0 {
		port = DefaultPort(kind, enc)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), host, port, nil
}

func (d *Dialer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 30 * time.Second
}
