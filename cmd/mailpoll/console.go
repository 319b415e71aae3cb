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
	"bufio"
	"fmt"
	"io"
	"strings"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/matta/mailpoll/internal/connstate"
	"github.com/matta/mailpoll/internal/message"
)

// events is the subscription side of the sync engine.
type events interface {
	States() (<-chan connstate.State, func())
	Headers() (<-chan message.Header, func())
	Contents() (<-chan message.Content, func())
}

type requester interface {
	RequestContent(id string)
}

// console prints engine events, one line each.
type console struct {
	mu stdsync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

func (c *console) printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func (c *console) state(s connstate.State) {
	c.printf("state   %s\n", s)
}

func (c *console) header(h message.Header) {
	date := "-"
	if !h.Date.IsZero() {
		date = h.Date.Local().Format(time.RFC1123)
	}
	c.printf("header  %-10s %s | %s | %s\n", h.ID, date, h.From, h.Subject)
}

// previewRunes bounds the content preview, counted in characters.
const previewRunes = 72

func (c *console) content(m message.Content) {
	text := strings.TrimSpace(m.Text)
	if r := []rune(text); len(r) > previewRunes {
		text = string(r[:previewRunes]) + "..."
	}
	c.printf("content %-10s %d text bytes, %d html bytes, %s=%q\n  %s\n",
		m.ID, len(m.Text), len(m.HTML), message.CustomHeaderKey, m.CustomHeader,
		strings.ReplaceAll(text, "\n", "\n  "))
}

// follow prints every event from e until its topics close.  The
// returned channel is closed once everything has been printed.
func (c *console) follow(e events) <-chan struct{} {
	states, _ := e.States()
	headers, _ := e.Headers()
	contents, _ := e.Contents()

	var wg stdsync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for s := range states {
			c.state(s)
		}
	}()
	go func() {
		defer wg.Done()
		for h := range headers {
			c.header(h)
		}
	}()
	go func() {
		defer wg.Done()
		for m := range contents {
			c.content(m)
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// requestFromLines requests the content of every id read from r, one
// per line, until r is exhausted.
func requestFromLines(r io.Reader, req requester, log *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		log.Debug("requesting content", zap.String("id", id))
		req.RequestContent(id)
	}
	if err := scanner.Err(); err != nil {
		log.Warn("reading requests", zap.Error(err))
	}
}
