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

// This file declares what the engine needs from its collaborators.

import (
	"context"
	"time"

	"github.com/matta/mailpoll/internal/message"
	"github.com/matta/mailpoll/internal/transport"
)

// HeaderCache stores message headers.
type HeaderCache interface {
	HeaderExists(ctx context.Context, id string) (bool, error)

	// InsertHeaders stores headers in one batch, ignoring ids that
	// are already present.
	InsertHeaders(ctx context.Context, headers []message.Header) error

	AllHeaders(ctx context.Context) ([]message.Header, error)
}

// ContentCache stores message contents.
type ContentCache interface {
	FindContent(ctx context.Context, id string) (message.Content, bool, error)

	// ClaimContent atomically reserves id for download by writing an
	// incomplete placeholder.  It returns false when a complete
	// record already exists.
	ClaimContent(ctx context.Context, id string) (bool, error)

	// CompleteContent replaces the placeholder with the full record.
	CompleteContent(ctx context.Context, c message.Content) error
}

// Cache provides all the storage the engine uses.
type Cache interface {
	HeaderCache
	ContentCache
}

// TransportFactory builds one unconnected transport per connection.
type TransportFactory interface {
	New(kind transport.ServerKind) (transport.Transport, error)
}

// Clock is the engine's source of time.  Sleep returns early with the
// context's error when ctx is done.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
