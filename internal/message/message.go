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

package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"fmt"
	"time"
)

// Inbox is the only folder the engine synchronizes.
const Inbox = "INBOX"

// Sender is the first address found in a message's From header.
type Sender struct {
	// Display name, e.g. "John Smith".  May be empty.
	Name string

	// Full address, e.g. "john.smith@example.com".
	Address string

	// The part of Address before the '@'.
	LocalPart string

	// The part of Address after the '@'.
	DomainPart string
}

func (s Sender) String() string {
	return fmt.Sprintf("%s <%s>", s.Name, s.Address)
}

// Header defines the metadata associated with a message.  A Header
// is written once, when its ID is first discovered on the server, and
// never modified afterwards.
type Header struct {
	// The opaque, server assigned identifier of the message.
	// Assumed to increase monotonically within a mailbox.
	ID string

	Date    time.Time
	Subject string
	From    Sender
	Folder  string
}

func (h Header) String() string {
	return fmt.Sprintf("[%s | %s] %s", h.From, h.Date.Format(time.RFC1123), h.Subject)
}

// Content defines a complete message body.
//
// A Content with Complete set to false is a placeholder: only ID is
// meaningful and it marks a download that was claimed but never
// finished.
type Content struct {
	ID string

	Date time.Time

	// The Message-Id header of the message.
	MessageID string

	Text string
	HTML string

	// Value of the X-Spam header, if any.
	CustomHeader string

	Complete bool
}

// Placeholder returns the reservation record written before a
// download starts.
func Placeholder(id string) Content {
	return Content{ID: id}
}
