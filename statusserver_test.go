/**
 * Conference focus agent for multi-party XMPP calls.
 * Copyright (C) 2022 struktur AG
 *
 * @author Joachim Bauch <bauch@struktur.de>
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package focus

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStatusServer_Bridges(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	logger := zaptest.NewLogger(t)

	events, err := NewLoopbackNatsClient(logger)
	require.NoError(t, err)
	t.Cleanup(events.Close)

	selector, err := NewBridgeSelector(logger, events, testConfig())
	require.NoError(t, err)
	t.Cleanup(selector.Close)
	selector.Update(BridgeStats{Bridge: testBridge, UploadBitrate: 7, Timestamp: time.Now()})

	server := NewStatusServer(logger, selector)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/api/v1/bridges", nil)
	server.server.Handler.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Bridges []BridgeStats `json:"bridges"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Len(t, response.Bridges, 1)
	assert.Equal(testBridge, response.Bridges[0].Bridge)
	assert.Equal(uint64(7), response.Bridges[0].UploadBitrate)
}

func TestStatusServer_Metrics(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)

	events, err := NewLoopbackNatsClient(logger)
	require.NoError(t, err)
	t.Cleanup(events.Close)

	selector, err := NewBridgeSelector(logger, events, testConfig())
	require.NoError(t, err)
	t.Cleanup(selector.Close)

	RegisterFocusStats()
	server := NewStatusServer(logger, selector)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	server.server.Handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}
