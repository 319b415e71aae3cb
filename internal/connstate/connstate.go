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

// Package connstate tracks the connection state of the synchronization
// engine and publishes every change.
package connstate

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// State is the connection state of the engine.
type State int

const (
	Disconnected State = iota
	Connecting
	LoggingIn
	Connected
	Reconnecting

	// Error is part of the enumeration for completeness.  Failures are
	// logged, never published, so the machine refuses to enter it.
	Error
)

var names = map[State]string{
	Disconnected: "Disconnected",
	Connecting:   "Connecting",
	LoggingIn:    "LoggingIn",
	Connected:    "Connected",
	Reconnecting: "Reconnecting",
	Error:        "Error",
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// legal lists, for each state, the states it may move to.
var legal = map[State][]State{
	Disconnected: {Connecting, Reconnecting, Disconnected},
	Connecting:   {LoggingIn, Disconnected, Reconnecting},
	LoggingIn:    {Connected, Disconnected, Reconnecting},
	Connected:    {Disconnected, Reconnecting},
	Reconnecting: {Connecting, Disconnected},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

var ErrIllegalTransition = errors.New("illegal connection state transition")

// Publisher receives every state the machine enters.
type Publisher interface {
	Publish(State)
}

// Machine holds the current state.  It is safe for concurrent use.
type Machine struct {
	mu      sync.Mutex
	current State
	pub     Publisher
	log     *zap.Logger
}

// New returns a Machine in the Disconnected state.  Nothing is
// published until the first transition.
func New(pub Publisher, log *zap.Logger) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{current: Disconnected, pub: pub, log: log}
}

// Current returns the last state entered.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to the given state and publishes it.  Illegal
// transitions are logged and rejected without publishing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if !CanTransition(from, to) {
		m.log.Warn("rejected state transition",
			zap.Stringer("from", from), zap.Stringer("to", to))
		return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	m.current = to
	m.log.Info("connection state", zap.Stringer("state", to))
	if m.pub != nil {
		m.pub.Publish(to)
	}
	return nil
}

// Reset forces the Disconnected state and publishes it regardless of
// the current state.  Used on explicit stop.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Disconnected
	m.log.Info("connection state", zap.Stringer("state", Disconnected))
	if m.pub != nil {
		m.pub.Publish(Disconnected)
	}
}
