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
)

// consumeRequests handles each requested id as its own task until ctx
// is done or the request topic closes.
func (e *Engine) consumeRequests(ctx context.Context, requests <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id, ok := <-requests:
			if !ok {
				return nil
			}
			if strings.TrimSpace(id) == "" {
				continue
			}
			e.goBackground("content request", func(ctx context.Context) error {
				return e.handleRequest(ctx, id)
			})
		}
	}
}

// handleRequest answers from the cache when the content is complete
// and otherwise downloads it on the active run.
func (e *Engine) handleRequest(ctx context.Context, id string) error {
	c, ok, err := e.cache.FindContent(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "looking up content %s", id)
	}
	if ok && c.Complete {
		e.contents.Publish(c)
		return nil
	}

	started := e.withRun(func(r *run) {
		e.goRun(r, "content download", func(ctx context.Context) error {
			return e.fetchRequested(ctx, r.creds, id)
		})
	})
	if !started {
		e.log.Warn("not running; cannot download requested content", zap.String("id", id))
	}
	return nil
}

// fetchRequested downloads one requested id.  When another path
// completed it first, the cached record is published so that the
// request is still answered.
func (e *Engine) fetchRequested(ctx context.Context, creds credentials, id string) error {
	s := &session{e: e, creds: creds}
	defer s.close()

	outcome, err := e.fetch(ctx, s, id)
	if err != nil {
		e.metrics.ContentFailures.Inc()
		return err
	}
	switch outcome {
	case alreadyComplete:
		c, ok, err := e.cache.FindContent(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "looking up content %s", id)
		}
		if ok {
			e.contents.Publish(c)
		}
	case absent:
		e.log.Info("requested message not on server", zap.String("id", id))
	}
	return nil
}
