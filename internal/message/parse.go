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

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/pkg/errors"
)

// CustomHeaderKey names the header copied into Content.CustomHeader.
const CustomHeaderKey = "X-Spam"

// ParseHeader builds a Header from the raw RFC 5322 header block of the
// message with the given id.  Unparseable dates and senders are left
// empty; a header block that cannot be read at all is an error.
func ParseHeader(id string, raw []byte) (Header, error) {
	// Servers differ on whether the terminating blank line is included.
	block := append(append([]byte(nil), raw...), "\r\n\r\n"...)
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		return Header{}, errors.Wrapf(err, "reading header block of message %s", id)
	}
	mh := mail.Header{Header: gomessage.Header{Header: h}}

	date, _ := mh.Date()
	return Header{
		ID:      id,
		Date:    date,
		Subject: subject(mh),
		From:    firstSender(mh),
		Folder:  Inbox,
	}, nil
}

// ParseContent builds a complete Content from a full raw message.
// The first text/plain and text/html inline parts become Text and
// HTML; attachments are skipped.
func ParseContent(id string, raw []byte) (Content, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return Content{}, errors.Wrapf(err, "reading message %s", id)
	}
	defer mr.Close()

	c := Content{ID: id, Complete: true}
	c.Date, _ = mr.Header.Date()
	if c.MessageID, err = mr.Header.MessageID(); err != nil {
		c.MessageID = strings.Trim(mr.Header.Get("Message-Id"), "<> ")
	}
	c.CustomHeader = mr.Header.Get(CustomHeaderKey)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			return Content{}, errors.Wrapf(err, "reading part of message %s", id)
		}
		if part == nil {
			continue
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return Content{}, errors.Wrapf(err, "reading %s body of message %s", contentType, id)
		}
		switch {
		case contentType == "text/html" && c.HTML == "":
			c.HTML = string(body)
		case (contentType == "text/plain" || contentType == "") && c.Text == "":
			c.Text = string(body)
		}
	}
	return c, nil
}

func subject(h mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return s
}

func firstSender(h mail.Header) Sender {
	from, err := h.AddressList("From")
	if err != nil || len(from) == 0 {
		return Sender{}
	}
	s := Sender{Name: from[0].Name, Address: from[0].Address}
	if at := strings.LastIndexByte(s.Address, '@'); at >= 0 {
		s.LocalPart = s.Address[:at]
		s.DomainPart = s.Address[at+1:]
	}
	return s
}
