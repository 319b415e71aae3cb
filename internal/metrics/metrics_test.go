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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.HeadersSynced.Add(3)
	m.DroppedEvents.WithLabelValues("headers").Inc()
	m.ConnectionState.Set(3)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.HeadersSynced))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DroppedEvents.WithLabelValues("headers")))

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "mailpoll_headers_synced_total 3"))
	assert.True(t, strings.Contains(string(body), "mailpoll_connection_state 3"))
}

func TestUnregistered(t *testing.T) {
	m := New(nil)
	m.Reconnects.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
}
