/**
 * Conference focus agent for multi-party XMPP calls.
 * Copyright (C) 2020 struktur AG
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
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testNatsClient_PublishSubscribe(t *testing.T, client NatsClient) {
	t.Helper()
	assert := assert.New(t)

	dest := make(chan *nats.Msg, 1)
	sub, err := client.Subscribe("focus.test", dest)
	require.NoError(t, err)

	require.NoError(t, client.Publish("focus.test", BridgeStats{
		Bridge:        "jvb.example.com",
		UploadBitrate: 42,
	}))

	select {
	case msg := <-dest:
		var stats BridgeStats
		require.NoError(t, client.Decode(msg, &stats))
		assert.Equal("jvb.example.com", stats.Bridge)
		assert.Equal(uint64(42), stats.UploadBitrate)
	case <-time.After(time.Second):
		t.Fatal("message not received")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, client.Publish("focus.test", BridgeStats{Bridge: "ignored"}))
	select {
	case msg := <-dest:
		t.Fatalf("received message after unsubscribe: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopbackNatsClient(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)

	client, err := NewNatsClient(logger, NatsLoopbackUrl)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	testNatsClient_PublishSubscribe(t, client)
}

func TestLoopbackNatsClient_BadSubject(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	logger := zaptest.NewLogger(t)

	client, err := NewLoopbackNatsClient(logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	dest := make(chan *nats.Msg, 1)
	_, err = client.Subscribe("has space", dest)
	assert.ErrorIs(err, nats.ErrBadSubject)
	assert.ErrorIs(client.Publish("trailing.", "x"), nats.ErrBadSubject)
}

func TestNatsClient_Server(t *testing.T) {
	t.Parallel()
	logger := zaptest.NewLogger(t)
	url := startLocalNatsServer(t)

	client, err := NewNatsClient(logger, url)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	testNatsClient_PublishSubscribe(t, client)
}

func TestConnectBackoff(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	var backoff connectBackoff
	assert.Equal(initialConnectInterval, backoff.nextWait())

	// Each failed attempt doubles the wait, capped at the maximum.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	expected := []time.Duration{
		initialConnectInterval,
		2 * initialConnectInterval,
		4 * initialConnectInterval,
		maxConnectInterval,
		maxConnectInterval,
	}
	for _, wait := range expected {
		assert.Equal(wait, backoff.nextWait())
		backoff.wait(ctx)
	}

	// A cancelled context doesn't block the retry loop.
	a := time.Now()
	backoff.wait(ctx)
	assert.Less(time.Since(a), time.Second)
}

func TestGetEncodedSubject(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	subject := GetEncodedSubject("room", "room@conference.example.com with space")
	assert.NotContains(subject, " ")
	assert.Contains(subject, "room.")
}
