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

// Package eventbus implements in-process broadcast topics.
//
// A Topic delivers each published value to the subscribers attached at
// the time of publication.  Late subscribers never see earlier values;
// there is no replay buffer.
package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel capacity used when none
// is given.
const DefaultBuffer = 256

type subscriber[T any] struct {
	ch chan T
}

// Topic is a broadcast channel of values of type T.
type Topic[T any] struct {
	name   string
	buffer int
	log    *zap.Logger

	mu     sync.RWMutex
	subs   map[*subscriber[T]]struct{}
	closed bool

	dropped func()
}

// Option configures a Topic.
type Option func(*options)

type options struct {
	buffer  int
	log     *zap.Logger
	dropped func()
}

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// WithLogger sets the logger used to report dropped values.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// OnDrop registers a callback run each time a value is dropped for a
// slow subscriber.
func OnDrop(f func()) Option {
	return func(o *options) { o.dropped = f }
}

// NewTopic creates an empty topic.
func NewTopic[T any](name string, opts ...Option) *Topic[T] {
	o := options{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.buffer < 0 {
		o.buffer = 0
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	return &Topic[T]{
		name:    name,
		buffer:  o.buffer,
		log:     o.log,
		subs:    make(map[*subscriber[T]]struct{}),
		dropped: o.dropped,
	}
}

// Subscribe attaches a new subscriber.  The returned cancel function
// detaches it and closes the channel; it is safe to call more than
// once.  Subscribing to a closed topic returns a closed channel.
func (t *Topic[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{ch: make(chan T, t.buffer)}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subs[s]; ok {
				delete(t.subs, s)
				close(s.ch)
			}
		})
	}
}

// Publish delivers v to every current subscriber.  A subscriber whose
// buffer is full misses v; the drop is logged.  Publish never blocks.
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	for s := range t.subs {
		select {
		case s.ch <- v:
		default:
			t.log.Warn("dropped event for slow subscriber", zap.String("topic", t.name))
			if t.dropped != nil {
				t.dropped()
			}
		}
	}
}

// Subscribers returns the number of attached subscribers.
func (t *Topic[T]) Subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close detaches every subscriber and closes their channels.  Later
// publishes are ignored.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		close(s.ch)
		delete(t.subs, s)
	}
}
