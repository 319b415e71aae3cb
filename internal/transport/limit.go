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

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Cost of each remote call in limiter tokens.  Listing is cheap, a
// full message is the most expensive thing we ask for.
const (
	unitsConnect = 2
	unitsLogin   = 1
	unitsList    = 1
	unitsHeader  = 1
	unitsMessage = 5
)

// NewLimiter returns a limiter admitting perSecond units per second
// with the given burst.  A non-positive perSecond disables limiting.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < unitsMessage {
		burst = unitsMessage
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type limited struct {
	Transport
	limiter *rate.Limiter
}

// Limit wraps t so every remote call first waits on limiter.  The
// limiter may be shared by many transports to cap their combined
// rate.
func Limit(t Transport, limiter *rate.Limiter) Transport {
	return &limited{Transport: t, limiter: limiter}
}

func (l *limited) wait(ctx context.Context, n int) error {
	return errors.Wrap(l.limiter.WaitN(ctx, n), "waiting for rate limiter")
}

func (l *limited) Connect(ctx context.Context, enc Encryption, host string) error {
	if err := l.wait(ctx, unitsConnect); err != nil {
		return err
	}
	return l.Transport.Connect(ctx, enc, host)
}

func (l *limited) Login(ctx context.Context, user, password string) error {
	if err := l.wait(ctx, unitsLogin); err != nil {
		return err
	}
	return l.Transport.Login(ctx, user, password)
}

func (l *limited) ListIDs(ctx context.Context) ([]string, error) {
	if err := l.wait(ctx, unitsList); err != nil {
		return nil, err
	}
	return l.Transport.ListIDs(ctx)
}

func (l *limited) HeaderBytes(ctx context.Context, id string) ([]byte, error) {
	if err := l.wait(ctx, unitsHeader); err != nil {
		return nil, err
	}
	return l.Transport.HeaderBytes(ctx, id)
}

func (l *limited) MessageBytes(ctx context.Context, id string) ([]byte, error) {
	if err := l.wait(ctx, unitsMessage); err != nil {
		return nil, err
	}
	return l.Transport.MessageBytes(ctx, id)
}
