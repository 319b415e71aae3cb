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

// Package credential keeps mail server passwords in the OS keyring.
package credential

import (
	"strings"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

const serviceName = "mailpoll"

var ErrNotFound = errors.New("no stored password")

// Store reads and writes passwords keyed by account.
type Store struct {
	ring keyring.Keyring
}

// Open opens the OS keyring, falling back to an encrypted file under
// dir when no system backend is available.
func Open(dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return &Store{ring: ring}, nil
}

// NewStore wraps an already open keyring.
func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Key is the keyring key of an account: user@host, lower cased host.
func Key(user, host string) string {
	return strings.TrimSpace(user) + "@" + strings.ToLower(strings.TrimSpace(host))
}

// Get returns the password stored for user at host.
func (s *Store) Get(user, host string) (string, error) {
	key := Key(user, host)
	item, err := s.ring.Get(key)
	if err == keyring.ErrKeyNotFound {
		return "", errors.Wrapf(ErrNotFound, "%q", key)
	}
	if err != nil {
		return "", errors.Wrapf(err, "getting password for %q", key)
	}
	return string(item.Data), nil
}

// Set stores password for user at host, replacing any earlier one.
func (s *Store) Set(user, host, password string) error {
	key := Key(user, host)
	err := s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(password),
		Label:       "mailpoll " + key,
		Description: "mail server password",
	})
	return errors.Wrapf(err, "storing password for %q", key)
}

// Delete removes the password for user at host.
func (s *Store) Delete(user, host string) error {
	key := Key(user, host)
	err := s.ring.Remove(key)
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return errors.Wrapf(err, "deleting password for %q", key)
}
