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

// Package sync keeps a local cache of one remote inbox up to date.
//
// An Engine polls the server for new message ids, caches their
// headers, downloads their contents in the background and serves
// content requests, publishing everything it learns on event topics.
// Only one Engine should use a given cache at a time.
package sync

import (
	"context"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matta/mailpoll/internal/connstate"
	"github.com/matta/mailpoll/internal/eventbus"
	"github.com/matta/mailpoll/internal/message"
	"github.com/matta/mailpoll/internal/metrics"
	"github.com/matta/mailpoll/internal/transport"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultReconnectDelay = 5 * time.Second
)

var (
	ErrInvalidServer   = errors.New("server kind and encryption are required")
	ErrInvalidHost     = errors.New("host is required")
	ErrInvalidUser     = errors.New("user is required")
	ErrInvalidPassword = errors.New("password is required")
	ErrMissingHeader   = errors.New("server returned no header")
	ErrConnectionLost  = errors.New("connection lost or no longer encrypted")
	ErrClosed          = errors.New("engine is closed")
)

// Options configures an Engine.  Cache and Dialer are required.
type Options struct {
	Cache  Cache
	Dialer TransportFactory

	Log     *zap.Logger
	Metrics *metrics.Metrics
	Clock   Clock

	PollInterval   time.Duration
	ReconnectDelay time.Duration

	// BusBuffer is the per-subscriber event buffer.
	BusBuffer int
}

// credentials are the connection parameters of one run.
type credentials struct {
	kind     transport.ServerKind
	enc      transport.Encryption
	host     string
	user     string
	password string
}

// run is the state of one Start..Stop cycle.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *errgroup.Group
	creds  credentials
}

// Engine is the mail synchronization engine.  It is safe for
// concurrent use.
type Engine struct {
	cache          Cache
	dialer         TransportFactory
	log            *zap.Logger
	metrics        *metrics.Metrics
	clock          Clock
	pollInterval   time.Duration
	reconnectDelay time.Duration

	states   *eventbus.Topic[connstate.State]
	headers  *eventbus.Topic[message.Header]
	contents *eventbus.Topic[message.Content]
	requests *eventbus.Topic[string]

	machine  *connstate.Machine
	inflight singleflight.Group

	// background outlives runs: request handling and header replay.
	ctx        context.Context
	cancel     context.CancelFunc
	background errgroup.Group

	// lifecycle serializes Start and Stop.  Stop holds it until the
	// old run has finished and Disconnected is published.
	lifecycle stdsync.Mutex

	mu     stdsync.Mutex
	run    *run
	closed bool
}

// statePublisher feeds machine transitions to the state topic and
// the state gauge.
type statePublisher struct {
	topic *eventbus.Topic[connstate.State]
	m     *metrics.Metrics
}

func (p statePublisher) Publish(s connstate.State) {
	p.m.ConnectionState.Set(float64(s))
	p.topic.Publish(s)
}

// New builds an Engine in the Disconnected state.  It starts listening
// for content requests immediately; call Close to release it.
func New(opts Options) (*Engine, error) {
	if opts.Cache == nil {
		return nil, errors.New("sync.New: a cache is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("sync.New: a transport dialer is required")
	}
	e := &Engine{
		cache:          opts.Cache,
		dialer:         opts.Dialer,
		log:            opts.Log,
		metrics:        opts.Metrics,
		clock:          opts.Clock,
		pollInterval:   opts.PollInterval,
		reconnectDelay: opts.ReconnectDelay,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	e.log = e.log.Named("sync")
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.clock == nil {
		e.clock = realClock{}
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	if e.reconnectDelay <= 0 {
		e.reconnectDelay = DefaultReconnectDelay
	}
	buffer := opts.BusBuffer
	if buffer <= 0 {
		buffer = eventbus.DefaultBuffer
	}
	topicOpts := func(name string) []eventbus.Option {
		return []eventbus.Option{
			eventbus.WithBuffer(buffer),
			eventbus.WithLogger(e.log.Named("bus")),
			eventbus.OnDrop(func() { e.metrics.DroppedEvents.WithLabelValues(name).Inc() }),
		}
	}
	e.states = eventbus.NewTopic[connstate.State]("states", topicOpts("states")...)
	e.headers = eventbus.NewTopic[message.Header]("headers", topicOpts("headers")...)
	e.contents = eventbus.NewTopic[message.Content]("contents", topicOpts("contents")...)
	e.requests = eventbus.NewTopic[string]("requests", topicOpts("requests")...)
	e.machine = connstate.New(statePublisher{e.states, e.metrics}, e.log.Named("state"))

	e.ctx, e.cancel = context.WithCancel(context.Background())
	requests, _ := e.requests.Subscribe()
	e.goBackground("request consumer", func(ctx context.Context) error {
		return e.consumeRequests(ctx, requests)
	})
	return e, nil
}

// States subscribes to connection state changes.  Call cancel to
// unsubscribe.
func (e *Engine) States() (<-chan connstate.State, func()) { return e.states.Subscribe() }

// Headers subscribes to new and replayed headers.
func (e *Engine) Headers() (<-chan message.Header, func()) { return e.headers.Subscribe() }

// Contents subscribes to downloaded and requested contents.
func (e *Engine) Contents() (<-chan message.Content, func()) { return e.contents.Subscribe() }

// State returns the current connection state.
func (e *Engine) State() connstate.State { return e.machine.Current() }

func validate(kind transport.ServerKind, enc transport.Encryption, host, user, password string) error {
	switch {
	case kind == nil || enc == nil:
		return ErrInvalidServer
	case strings.TrimSpace(host) == "":
		return ErrInvalidHost
	case strings.TrimSpace(user) == "":
		return ErrInvalidUser
	case strings.TrimSpace(password) == "":
		return ErrInvalidPassword
	}
	return nil
}

// Start begins polling the given server in the background.  Invalid
// parameters are reported before anything else happens.  Starting an
// engine that is already running is logged and otherwise ignored.  A
// Start issued while Stop is in progress waits for Stop to finish.
func (e *Engine) Start(kind transport.ServerKind, enc transport.Encryption, host, user, password string) error {
	if err := validate(kind, enc, host, user, password); err != nil {
		return errors.Wrap(err, "cannot start")
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.run != nil {
		e.log.Warn("already running; ignoring start", zap.String("run", e.run.id))
		return nil
	}

	ctx, cancel := context.WithCancel(e.ctx)
	r := &run{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
		tasks:  new(errgroup.Group),
		creds: credentials{
			kind:     kind,
			enc:      enc,
			host:     strings.TrimSpace(host),
			user:     strings.TrimSpace(user),
			password: password,
		},
	}
	e.run = r
	e.log.Info("starting",
		zap.String("run", r.id),
		zap.Stringer("kind", kind),
		zap.Stringer("encryption", enc),
		zap.String("host", r.creds.host),
		zap.String("user", r.creds.user))
	e.goRun(r, "poll supervisor", func(ctx context.Context) error {
		return e.supervise(ctx, r)
	})
	return nil
}

// Stop cancels all work of the current run, waits for it to finish,
// publishes Disconnected and forgets the connection parameters.  It
// is safe to call at any time.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	r := e.run
	e.run = nil
	e.mu.Unlock()

	if r != nil {
		e.log.Info("stopping", zap.String("run", r.id))
		r.cancel()
		if err := waitGroup(r.tasks); err != nil {
			e.log.Error("stopping", zap.Error(err))
		}
		r.creds = credentials{}
	}
	e.machine.Reset()
}

// Close stops the engine, waits for all background work and closes
// every subscription.  The engine cannot be used afterwards.
func (e *Engine) Close() error {
	e.Stop()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	if err := waitGroup(&e.background); err != nil {
		e.log.Error("closing", zap.Error(err))
	}
	e.states.Close()
	e.headers.Close()
	e.contents.Close()
	e.requests.Close()
	return nil
}

// RequestContent asks for the content of id.  The answer arrives on
// the content topic, from the cache when complete and from the server
// otherwise.
func (e *Engine) RequestContent(id string) {
	e.requests.Publish(id)
}

// LoadAllExistingMailHeaders publishes every cached header on the
// header topic.  It returns at once; the replay runs in the background
// whether or not the engine is connected.
func (e *Engine) LoadAllExistingMailHeaders() {
	e.goBackground("header replay", func(ctx context.Context) error {
		headers, err := e.cache.AllHeaders(ctx)
		if err != nil {
			return errors.Wrap(err, "loading cached headers")
		}
		for _, h := range headers {
			e.headers.Publish(h)
		}
		e.log.Debug("replayed cached headers", zap.Int("count", len(headers)))
		return nil
	})
}

// withRun calls f with the active run, if any, while holding the lock
// that Stop takes before waiting on the run's tasks.
func (e *Engine) withRun(f func(r *run)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil {
		return false
	}
	f(e.run)
	return true
}
