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

package homedir

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Dir is the directory under the home directory that holds the
// cache and the default config file.
const Dir = ".mailpoll"

// Get returns the current user's home directory.
func Get() (string, error) {
	h := os.Getenv("HOME")
	if h != "" {
		return h, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", errors.Wrap(err, "unable to find home directory")
	}
	return usr.HomeDir, nil
}

// Path joins elem under ~/.mailpoll.
func Path(elem ...string) (string, error) {
	h, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{h, Dir}, elem...)...), nil
}

// Expand replaces a leading "~/" in p with the home directory.
func Expand(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	h, err := Get()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, strings.TrimPrefix(p, "~")), nil
}
