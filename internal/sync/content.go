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
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/message"
	"github.com/matta/mailpoll/internal/transport"
)

type fetchOutcome int

const (
	downloaded fetchOutcome = iota
	alreadyComplete
	absent
)

// session is a transport opened on first use and logged in with the
// run's credentials.
type session struct {
	e     *Engine
	creds credentials
	t     transport.Transport
}

func (s *session) get(ctx context.Context) (transport.Transport, error) {
	if s.t != nil {
		return s.t, nil
	}
	t, err := s.e.dialer.New(s.creds.kind)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %v transport", s.creds.kind)
	}
	if err := t.Connect(ctx, s.creds.enc, s.creds.host); err != nil {
		t.Close()
		return nil, errors.Wrapf(err, "connecting to %s", s.creds.host)
	}
	if err := t.Login(ctx, s.creds.user, s.creds.password); err != nil {
		t.Close()
		return nil, errors.Wrapf(err, "logging in to %s", s.creds.host)
	}
	if !usable(ctx, t, s.creds.enc) {
		t.Close()
		return nil, errors.Wrapf(ErrConnectionLost, "content connection to %s", s.creds.host)
	}
	s.t = t
	return t, nil
}

func (s *session) close() {
	if s.t == nil {
		return
	}
	if err := s.t.Close(); err != nil {
		s.e.log.Debug("closing content transport", zap.Error(err))
	}
	s.t = nil
}

// fetchContent downloads the contents of ids over one connection of
// its own.  Complete records are skipped without being published.  An
// error aborts the rest of the batch; ids already done stay done.
func (e *Engine) fetchContent(ctx context.Context, c credentials, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s := &session{e: e, creds: c}
	defer s.close()

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.TrimSpace(id) == "" {
			continue
		}
		if _, err := e.fetch(ctx, s, id); err != nil {
			e.metrics.ContentFailures.Inc()
			return errors.Wrap(err, "content batch aborted")
		}
	}
	return nil
}

// fetch downloads one id unless it is already complete.  Concurrent
// calls for the same id share one download and its outcome.
func (e *Engine) fetch(ctx context.Context, s *session, id string) (fetchOutcome, error) {
	v, err, shared := e.inflight.Do(id, func() (interface{}, error) {
		return e.download(ctx, s, id)
	})
	if shared {
		e.log.Debug("joined in-flight download", zap.String("id", id))
	}
	if err != nil {
		return 0, err
	}
	return v.(fetchOutcome), nil
}

// download claims id in the cache, fetches and parses the message,
// replaces the placeholder and publishes the result.
func (e *Engine) download(ctx context.Context, s *session, id string) (fetchOutcome, error) {
	claimed, err := e.cache.ClaimContent(ctx, id)
	if err != nil {
		return 0, errors.Wrapf(err, "claiming content %s", id)
	}
	if !claimed {
		return alreadyComplete, nil
	}

	t, err := s.get(ctx)
	if err != nil {
		return 0, err
	}
	raw, err := t.MessageBytes(ctx, id)
	if err != nil {
		return 0, errors.Wrapf(err, "downloading message %s", id)
	}
	if raw == nil {
		e.log.Debug("server has no body; leaving placeholder", zap.String("id", id))
		return absent, nil
	}
	c, err := message.ParseContent(id, raw)
	if err != nil {
		return 0, err
	}
	if err := e.cache.CompleteContent(ctx, c); err != nil {
		return 0, errors.Wrapf(err, "caching content %s", id)
	}
	e.metrics.ContentsDownloaded.Inc()
	e.contents.Publish(c)
	return downloaded, nil
}
