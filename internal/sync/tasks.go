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

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// supervised wraps f so that its error or panic is logged.  The
// wrapper itself always returns nil: a failed task must never look
// like a failed group.
func (e *Engine) supervised(ctx context.Context, name string, f func(context.Context) error) func() error {
	log := e.log.With(zap.String("task", name), zap.String("task_id", uuid.NewString()))
	return func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				log.Error("task panicked", zap.Any("panic", p), zap.Stack("stack"))
			}
		}()
		log.Debug("task started")
		if err := f(ctx); err != nil && ctx.Err() == nil {
			log.Error("task failed", zap.Error(err))
			return nil
		}
		log.Debug("task finished")
		return nil
	}
}

// goRun starts a task belonging to r.  Callers outside r's own tasks
// must hold e.mu (see withRun).
func (e *Engine) goRun(r *run, name string, f func(context.Context) error) {
	r.tasks.Go(e.supervised(r.ctx, name, f))
}

// goBackground starts a task that lives until Close.
func (e *Engine) goBackground(name string, f func(context.Context) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.log.Debug("engine closed; dropping task", zap.String("task", name))
		return
	}
	e.background.Go(e.supervised(e.ctx, name, f))
}

// waitGroup waits for g and wraps its error.  Supervised tasks never
// fail, so an error here is a bug.
func waitGroup(g *errgroup.Group) error {
	return errors.Wrap(g.Wait(), "waiting for tasks")
}
