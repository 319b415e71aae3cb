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

package tracewire

import (
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// traceWriter is an io.Writer that logs every line of a protocol
// exchange at debug level.  Credentials sent with LOGIN, AUTHENTICATE,
// AUTH or PASS are replaced before logging, as are the client
// responses of a SASL exchange.
type traceWriter struct {
	log *zap.Logger

	mu   sync.Mutex
	sasl bool
}

// Write logs p one line at a time.  It never fails.
func (w *traceWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		w.log.Debug("wire", zap.String("data", w.redact(line)))
	}
	return len(p), nil
}

// redact is Redact plus the SASL state.  Between an authentication
// command and its final reply, server challenges start with "+" and
// every single-token line is a client response.
func (w *traceWriter) redact(line string) string {
	fields := strings.Fields(line)
	if w.sasl {
		switch {
		case strings.HasPrefix(line, "+OK") || strings.HasPrefix(line, "-ERR"):
			w.sasl = false
			return line
		case line == "+" || strings.HasPrefix(line, "+ "):
			return line
		case len(fields) == 1:
			return "[redacted]"
		}
		w.sasl = false
	}
	if startsSASL(fields) {
		w.sasl = true
	}
	return Redact(line)
}

func startsSASL(fields []string) bool {
	for i, f := range fields {
		if i > 1 {
			break
		}
		switch strings.ToUpper(f) {
		case "AUTHENTICATE", "AUTH":
			return true
		}
	}
	return false
}

// New returns a writer that traces to log.  A nil log gives
// io.Discard.
func New(log *zap.Logger) io.Writer {
	if log == nil {
		return io.Discard
	}
	return &traceWriter{log: log}
}

// Redact hides the arguments of a credential-bearing command line.
// IMAP commands carry a tag before the verb; POP3 commands do not.
func Redact(line string) string {
	fields := strings.Fields(line)
	for i, f := range fields {
		if i > 1 {
			break
		}
		switch strings.ToUpper(f) {
		case "LOGIN", "AUTHENTICATE", "AUTH", "PASS":
			if len(fields) > i+1 {
				return strings.Join(fields[:i+1], " ") + " [redacted]"
			}
			return line
		}
	}
	return line
}
