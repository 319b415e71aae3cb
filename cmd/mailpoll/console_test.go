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

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/connstate"
	"github.com/matta/mailpoll/internal/eventbus"
	"github.com/matta/mailpoll/internal/message"
)

type fakeEvents struct {
	states   *eventbus.Topic[connstate.State]
	headers  *eventbus.Topic[message.Header]
	contents *eventbus.Topic[message.Content]
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		states:   eventbus.NewTopic[connstate.State]("states"),
		headers:  eventbus.NewTopic[message.Header]("headers"),
		contents: eventbus.NewTopic[message.Content]("contents"),
	}
}

func (f *fakeEvents) States() (<-chan connstate.State, func())   { return f.states.Subscribe() }
func (f *fakeEvents) Headers() (<-chan message.Header, func())   { return f.headers.Subscribe() }
func (f *fakeEvents) Contents() (<-chan message.Content, func()) { return f.contents.Subscribe() }

func (f *fakeEvents) close() {
	f.states.Close()
	f.headers.Close()
	f.contents.Close()
}

func TestConsoleFollow(t *testing.T) {
	var buf bytes.Buffer
	ev := newFakeEvents()
	done := newConsole(&buf).follow(ev)

	ev.states.Publish(connstate.Connected)
	ev.headers.Publish(message.Header{
		ID:      "12",
		Subject: "hello",
		From:    message.Sender{Name: "Ann", Address: "ann@example.com"},
	})
	ev.contents.Publish(message.Content{ID: "12", Text: "hi there\n", CustomHeader: "No", Complete: true})
	ev.close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not finish after topics closed")
	}

	out := buf.String()
	assert.Contains(t, out, "state   Connected\n")
	assert.Contains(t, out, "header  12         - | Ann <ann@example.com> | hello\n")
	assert.Contains(t, out, `content 12         9 text bytes, 0 html bytes, X-Spam="No"`)
	assert.Contains(t, out, "\n  hi there\n")
}

func TestConsoleContentPreviewKeepsCharacters(t *testing.T) {
	var buf bytes.Buffer
	text := strings.Repeat("ä", 100)
	newConsole(&buf).content(message.Content{ID: "3", Text: text, Complete: true})

	out := buf.String()
	assert.True(t, utf8.ValidString(out), "preview is not valid UTF-8: %q", out)
	assert.Contains(t, out, "\n  "+strings.Repeat("ä", previewRunes)+"...\n")
}

type recorder struct{ ids []string }

func (r *recorder) RequestContent(id string) { r.ids = append(r.ids, id) }

func TestRequestFromLines(t *testing.T) {
	var r recorder
	requestFromLines(strings.NewReader("7\n\n  8 \r\n9"), &r, zap.NewNop())
	if diff := cmp.Diff([]string{"7", "8", "9"}, r.ids); diff != "" {
		t.Errorf("requested ids (-want +got):\n%s", diff)
	}
}
