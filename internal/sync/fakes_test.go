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

package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/matta/mailpoll/internal/message"
	"github.com/matta/mailpoll/internal/transport"
)

func rawHeader(id string) []byte {
	return []byte(fmt.Sprintf("From: Ann <ann@example.com>\r\n"+
		"Subject: message %s\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"+
		"Message-Id: <%s@example.com>\r\n\r\n", id, id))
}

func rawMessage(id string) []byte {
	return append(rawHeader(id), fmt.Sprintf("body of %s\r\n", id)...)
}

type connectRecord struct {
	host string
	at   time.Time
}

type loginRecord struct {
	user, password string
}

// fakeServer is a mailbox shared by every transport a fakeDialer
// builds.
type fakeServer struct {
	mu    stdsync.Mutex
	clock *fakeClock

	ids     []string
	headers map[string][]byte
	bodies  map[string][]byte

	// failConnects fails that many Connect calls.
	failConnects int
	// insecureConnects makes that many secure connections report
	// themselves unencrypted.
	insecureConnects int
	// failFetch fails that many MessageBytes calls per id.
	failFetch map[string]int
	// gate, when set, holds MessageBytes until closed.
	gate chan struct{}

	connects      []connectRecord
	logins        []loginRecord
	headerFetches []string
	bodyFetches   map[string]int
}

func newFakeServer(clock *fakeClock, ids ...string) *fakeServer {
	s := &fakeServer{
		clock:       clock,
		headers:     make(map[string][]byte),
		bodies:      make(map[string][]byte),
		failFetch:   make(map[string]int),
		bodyFetches: make(map[string]int),
	}
	for _, id := range ids {
		s.add(id)
	}
	return s
}

// add puts a complete message on the server.
func (s *fakeServer) add(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	s.headers[id] = rawHeader(id)
	s.bodies[id] = rawMessage(id)
}

func (s *fakeServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connects)
}

func (s *fakeServer) fetchCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodyFetches[id]
}

func (s *fakeServer) fetchedHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.headerFetches...)
}

type fakeDialer struct {
	srv *fakeServer
}

func (d fakeDialer) New(kind transport.ServerKind) (transport.Transport, error) {
	return &fakeTransport{srv: d.srv}, nil
}

type fakeTransport struct {
	srv       *fakeServer
	connected bool
	encrypted bool
}

func (t *fakeTransport) Connect(ctx context.Context, enc transport.Encryption, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects = append(s.connects, connectRecord{host: host, at: s.clock.Now()})
	if s.failConnects > 0 {
		s.failConnects--
		return errors.New("connection refused")
	}
	t.connected = true
	t.encrypted = transport.Secure(enc)
	if t.encrypted && s.insecureConnects > 0 {
		s.insecureConnects--
		t.encrypted = false
	}
	return nil
}

func (t *fakeTransport) Login(ctx context.Context, user, password string) error {
	s := t.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logins = append(s.logins, loginRecord{user, password})
	return nil
}

func (t *fakeTransport) IsConnected() bool { return t.connected }
func (t *fakeTransport) IsEncrypted() bool { return t.connected && t.encrypted }

func (t *fakeTransport) ListIDs(ctx context.Context) ([]string, error) {
	s := t.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...), nil
}

func (t *fakeTransport) HeaderBytes(ctx context.Context, id string) ([]byte, error) {
	s := t.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headerFetches = append(s.headerFetches, id)
	return s.headers[id], nil
}

func (t *fakeTransport) MessageBytes(ctx context.Context, id string) ([]byte, error) {
	s := t.srv
	s.mu.Lock()
	s.bodyFetches[id]++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFetch[id] > 0 {
		s.failFetch[id]--
		return nil, errors.New("connection reset")
	}
	return s.bodies[id], nil
}

func (t *fakeTransport) Close() error {
	t.connected = false
	return nil
}

// fakeClock advances instantly, except for the held durations which
// block until ctx is done or the test ticks the clock.
type fakeClock struct {
	mu     stdsync.Mutex
	now    time.Time
	sleeps []time.Duration
	hold   map[time.Duration]bool
	tick   chan struct{}
}

func newFakeClock(hold ...time.Duration) *fakeClock {
	c := &fakeClock{
		now:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		hold: make(map[time.Duration]bool),
		tick: make(chan struct{}),
	}
	for _, d := range hold {
		c.hold[d] = true
	}
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	held := c.hold[d]
	c.mu.Unlock()

	if !held {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.tick:
		return nil
	}
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fakeCache is an in-memory Cache that records header lookups.
type fakeCache struct {
	mu          stdsync.Mutex
	headers     []message.Header
	contents    map[string]message.Content
	existsCalls []string

	// claimHold, when set, holds ClaimContent until closed, ignoring
	// ctx.  Each held id is first sent on claiming.
	claimHold chan struct{}
	claiming  chan string
	// panicExists makes that many HeaderExists calls panic.
	panicExists int
}

func newFakeCache(headers ...message.Header) *fakeCache {
	return &fakeCache{
		headers:  headers,
		contents: make(map[string]message.Content),
	}
}

func (c *fakeCache) HeaderExists(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.existsCalls = append(c.existsCalls, id)
	if c.panicExists > 0 {
		c.panicExists--
		panic("corrupt header index")
	}
	for _, h := range c.headers {
		if h.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (c *fakeCache) InsertHeaders(ctx context.Context, headers []message.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()
next:
	for _, h := range headers {
		for _, have := range c.headers {
			if have.ID == h.ID {
				continue next
			}
		}
		c.headers = append(c.headers, h)
	}
	return nil
}

func (c *fakeCache) AllHeaders(ctx context.Context) ([]message.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Header(nil), c.headers...), nil
}

func (c *fakeCache) FindContent(ctx context.Context, id string) (message.Content, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.contents[id]
	return content, ok, nil
}

func (c *fakeCache) ClaimContent(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	hold, claiming := c.claimHold, c.claiming
	c.mu.Unlock()
	if hold != nil {
		claiming <- id
		<-hold
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if have, ok := c.contents[id]; ok && have.Complete {
		return false, nil
	}
	c.contents[id] = message.Placeholder(id)
	return true, nil
}

func (c *fakeCache) CompleteContent(ctx context.Context, content message.Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	have, ok := c.contents[content.ID]
	if !ok || have.Complete {
		return errors.Errorf("no placeholder for %s", content.ID)
	}
	c.contents[content.ID] = content
	return nil
}

func (c *fakeCache) content(id string) (message.Content, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.contents[id]
	return content, ok
}

func (c *fakeCache) lookups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.existsCalls...)
}

const waitTimeout = 5 * time.Second

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed while waiting for an event")
		}
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
	}
	var zero T
	return zero
}

// quiet fails if anything arrives on ch within a short interval.
func quiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Errorf("unexpected event %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
