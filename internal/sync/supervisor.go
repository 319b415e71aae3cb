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

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/connstate"
	"github.com/matta/mailpoll/internal/message"
	"github.com/matta/mailpoll/internal/transport"
)

// transition publishes a state change.  Illegal transitions are
// logged by the machine and otherwise ignored.
func (e *Engine) transition(s connstate.State) {
	_ = e.machine.Transition(s)
}

// supervise runs sync attempts until ctx is done, backing off for the
// reconnect delay after each failure.
func (e *Engine) supervise(ctx context.Context, r *run) error {
	for {
		err := e.safeAttempt(ctx, r)
		if ctx.Err() != nil {
			return nil
		}
		e.metrics.SyncFailures.Inc()
		e.log.Warn("sync attempt failed; will reconnect",
			zap.Error(err), zap.Duration("delay", e.reconnectDelay))
		e.transition(connstate.Reconnecting)
		e.metrics.Reconnects.Inc()
		if err := e.clock.Sleep(ctx, e.reconnectDelay); err != nil {
			return nil
		}
	}
}

// safeAttempt runs attempt, turning a panic into an error so the
// supervisor backs off and reconnects.
func (e *Engine) safeAttempt(ctx context.Context, r *run) (err error) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("sync attempt panicked", zap.Any("panic", p), zap.Stack("stack"))
			err = errors.Errorf("sync attempt panicked: %v", p)
		}
	}()
	return e.attempt(ctx, r)
}

// attempt is one connect, login and poll-until-disconnected session.
// It returns nil only when ctx is done.
func (e *Engine) attempt(ctx context.Context, r *run) (err error) {
	c := r.creds
	e.transition(connstate.Connecting)

	var t transport.Transport
	defer func() {
		if t != nil {
			if cerr := t.Close(); cerr != nil {
				e.log.Debug("closing transport", zap.Error(cerr))
			}
		}
		if ctx.Err() == nil {
			e.transition(connstate.Disconnected)
		} else {
			err = nil
		}
	}()

	t, err = e.dialer.New(c.kind)
	if err != nil {
		return errors.Wrapf(err, "creating %v transport", c.kind)
	}
	if err := t.Connect(ctx, c.enc, c.host); err != nil {
		return errors.Wrapf(err, "connecting to %s", c.host)
	}
	e.transition(connstate.LoggingIn)
	if err := t.Login(ctx, c.user, c.password); err != nil {
		return errors.Wrapf(err, "logging in to %s", c.host)
	}
	e.transition(connstate.Connected)

	for usable(ctx, t, c.enc) {
		if err := e.poll(ctx, r, t); err != nil {
			return err
		}
		if err := e.clock.Sleep(ctx, e.pollInterval); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return ErrConnectionLost
}

// usable reports whether polling may continue on t.  An encrypted
// session that reports itself unencrypted is abandoned.
func usable(ctx context.Context, t transport.Transport, enc transport.Encryption) bool {
	if ctx.Err() != nil || !t.IsConnected() {
		return false
	}
	return !transport.Secure(enc) || t.IsEncrypted()
}

// poll is one cycle: list, diff, fetch new headers, store, publish,
// then hand the new ids to a content batch.
func (e *Engine) poll(ctx context.Context, r *run, t transport.Transport) error {
	ids, err := t.ListIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "listing message ids")
	}
	fresh, err := e.newIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		e.log.Debug("no new messages", zap.Int("remote", len(ids)))
		return nil
	}

	headers := make([]message.Header, 0, len(fresh))
	for _, id := range fresh {
		raw, err := t.HeaderBytes(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "fetching header of message %s", id)
		}
		if raw == nil {
			return errors.Wrapf(ErrMissingHeader, "message %s", id)
		}
		h, err := message.ParseHeader(id, raw)
		if err != nil {
			return err
		}
		headers = append(headers, h)
	}
	if err := e.cache.InsertHeaders(ctx, headers); err != nil {
		return errors.Wrap(err, "caching headers")
	}
	e.metrics.HeadersSynced.Add(float64(len(headers)))
	e.log.Info("synced new headers", zap.Int("count", len(headers)))

	for _, h := range headers {
		e.headers.Publish(h)
	}
	e.goRun(r, "content batch", func(ctx context.Context) error {
		return e.fetchContent(ctx, r.creds, fresh)
	})
	return nil
}

// newIDs returns the ids not yet cached, oldest first.  It scans ids
// newest first and stops at the first cached one, so it assumes ids
// only ever grow: an id that appears below a cached one is never
// found.
func (e *Engine) newIDs(ctx context.Context, ids []string) ([]string, error) {
	var fresh []string
	for i := len(ids) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		id := ids[i]
		known, err := e.cache.HeaderExists(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "checking cache for message %s", id)
		}
		if known {
			break
		}
		fresh = append(fresh, id)
	}
	for i, j := 0, len(fresh)-1; i < j; i, j = i+1, j-1 {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	}
	return fresh, nil
}
