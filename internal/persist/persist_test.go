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

package persist

import (
	"context"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matta/mailpoll/internal/message"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "mail.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func header(id, subject string) message.Header {
	return message.Header{
		ID:      id,
		Date:    time.Date(2020, 5, 1, 12, 0, 0, 0, time.UTC),
		Subject: subject,
		From: message.Sender{
			Name:       "Ann",
			Address:    "ann@example.com",
			LocalPart:  "ann",
			DomainPart: "example.com",
		},
		Folder: message.Inbox,
	}
}

func TestDsnFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/tmp/mail.db", "file:///tmp/mail.db?_busy_timeout=10"},
		{"file:/tmp/mail.db?mode=ro", "file:/tmp/mail.db?_busy_timeout=10&mode=ro"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, url.Values{"_busy_timeout": {"10"}})
		if err != nil {
			t.Errorf("dsnFromPath(%q) error = %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestHeadersRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	h := db.Headers()

	want := []message.Header{header("1", "first"), header("2", "second")}
	want[1].Date = time.Time{}
	n, err := h.Insert(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := h.FindAll(ctx)
	require.NoError(t, err)
	opt := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(want, got, opt); diff != "" {
		t.Errorf("FindAll() mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got[1].Date.IsZero(), "missing date should read back as zero")
}

func TestHeadersInsertIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.InsertHeaders(ctx, []message.Header{header("5", "original")}))
	require.NoError(t, db.InsertHeaders(ctx, []message.Header{header("5", "changed"), header("6", "new")}))

	count, err := db.Headers().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, ok, err := db.Headers().FindOne(ctx, ByID("5"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "original", got.Subject)
}

func TestHeadersCollectionOperations(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	h := db.Headers()

	_, err := h.Insert(ctx, []message.Header{header("1", "a"), header("2", "b"), header("3", "c")})
	require.NoError(t, err)

	exists, err := db.HeaderExists(ctx, "2")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.HeaderExists(ctx, "9")
	require.NoError(t, err)
	assert.False(t, exists)

	updated := header("2", "b2")
	n, err := h.Update(ctx, []message.Header{updated, header("9", "missing")})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.Upsert(ctx, []message.Header{header("3", "c2"), header("4", "d")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	many, err := h.FindMany(ctx, ByID("2", "3", "4"))
	require.NoError(t, err)
	var subjects []string
	for _, m := range many {
		subjects = append(subjects, m.Subject)
	}
	assert.Equal(t, []string{"b2", "c2", "d"}, subjects)

	none, err := h.FindMany(ctx, ByID())
	require.NoError(t, err)
	assert.Empty(t, none)

	inbox, err := h.FindMany(ctx, And(ByFolder(message.Inbox), ByID("1")))
	require.NoError(t, err)
	assert.Len(t, inbox, 1)

	n, err = h.Delete(ctx, ByID("1", "4"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	count, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, ok, err := h.FindOne(ctx, ByID("1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimContent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	claimed, err := db.ClaimContent(ctx, "42")
	require.NoError(t, err)
	assert.True(t, claimed, "absent id should be claimable")

	c, ok, err := db.FindContent(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, message.Placeholder("42"), c)

	claimed, err = db.ClaimContent(ctx, "42")
	require.NoError(t, err)
	assert.True(t, claimed, "incomplete placeholder should be claimable again")

	full := message.Content{
		ID:           "42",
		MessageID:    "m@example.com",
		Text:         "hello",
		HTML:         "<p>hello</p>",
		CustomHeader: "No",
		Complete:     true,
	}
	require.NoError(t, db.CompleteContent(ctx, full))

	claimed, err = db.ClaimContent(ctx, "42")
	require.NoError(t, err)
	assert.False(t, claimed, "complete record must not be claimed")

	got, ok, err := db.FindContent(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, full, got)
}

func TestCompleteContentNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	_, err := db.ClaimContent(ctx, "1")
	require.NoError(t, err)
	first := message.Content{ID: "1", Text: "first", Complete: true}
	require.NoError(t, db.CompleteContent(ctx, first))

	err = db.CompleteContent(ctx, message.Content{ID: "1", Text: "second", Complete: true})
	assert.Error(t, err)

	n, err := db.Contents().Upsert(ctx, []message.Content{{ID: "1", Text: "third", Complete: true}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, _, err := db.FindContent(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Text)

	incomplete, err := db.Contents().Exists(ctx, ByComplete(false))
	require.NoError(t, err)
	assert.False(t, incomplete)
}

func TestCompleteContentWithoutPlaceholder(t *testing.T) {
	db := openTestDB(t)
	err := db.CompleteContent(context.Background(), message.Content{ID: "7", Complete: true})
	assert.Error(t, err)
}

func TestConcurrentClaimsHaveOneWinnerAfterCompletion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.ClaimContent(ctx, "99"); err != nil {
				t.Errorf("ClaimContent() error = %v", err)
			}
		}()
	}
	wg.Wait()

	count, err := db.Contents().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
