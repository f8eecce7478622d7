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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	initialConnectInterval = time.Second
	maxConnectInterval     = 8 * time.Second

	NatsLoopbackUrl = "nats://loopback"
)

// connectBackoff paces the initial connect attempts to the events bus. The
// wait doubles per failed attempt, capped at maxConnectInterval; later
// reconnects are handled by the NATS client itself.
type connectBackoff struct {
	next time.Duration
}

func (b *connectBackoff) nextWait() time.Duration {
	if b.next == 0 {
		b.next = initialConnectInterval
	}
	return b.next
}

func (b *connectBackoff) wait(ctx context.Context) {
	waiter, cancel := context.WithTimeout(ctx, b.nextWait())
	defer cancel()

	b.next = min(b.next*2, maxConnectInterval)
	<-waiter.Done()
}

type NatsSubscription interface {
	Unsubscribe() error
}

type NatsClient interface {
	Close()

	Subscribe(subject string, ch chan *nats.Msg) (NatsSubscription, error)
	Publish(subject string, message any) error

	Decode(msg *nats.Msg, v any) error
}

// The NATS client doesn't work if a subject contains spaces. As bridge and
// room ids can have an arbitrary format, the variable part of a subject is
// encoded.
func GetEncodedSubject(prefix string, suffix string) string {
	return prefix + "." + base64.StdEncoding.EncodeToString([]byte(suffix))
}

type natsClient struct {
	logger *zap.Logger
	conn   *nats.Conn
}

func NewNatsClient(logger *zap.Logger, url string) (NatsClient, error) {
	if url == NatsLoopbackUrl {
		logger.Info("Using internal NATS loopback client")
		return NewLoopbackNatsClient(logger)
	}

	client := &natsClient{
		logger: logger,
	}

	var backoff connectBackoff
	conn, err := nats.Connect(url,
		nats.ClosedHandler(client.onClosed),
		nats.DisconnectErrHandler(client.onDisconnected),
		nats.ReconnectHandler(client.onReconnected))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// The initial connect must succeed, so we retry in the case of an error.
	for err != nil {
		logger.Warn("Could not create connection, will retry",
			zap.Error(err),
			zap.Duration("wait", backoff.nextWait()),
		)
		backoff.wait(ctx)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("interrupted")
		}

		conn, err = nats.Connect(url)
	}
	client.conn = conn
	logger.Info("Connection established",
		zap.String("url", client.conn.ConnectedUrl()),
		zap.String("server", client.conn.ConnectedServerId()),
	)
	return client, nil
}

func (c *natsClient) Close() {
	c.conn.Close()
}

func (c *natsClient) onClosed(conn *nats.Conn) {
	c.logger.Info("NATS client closed",
		zap.Error(conn.LastError()),
	)
}

func (c *natsClient) onDisconnected(conn *nats.Conn, err error) {
	c.logger.Info("NATS client disconnected",
		zap.Error(err),
	)
}

func (c *natsClient) onReconnected(conn *nats.Conn) {
	c.logger.Info("NATS client reconnected",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("server", conn.ConnectedServerId()),
	)
}

func (c *natsClient) Subscribe(subject string, ch chan *nats.Msg) (NatsSubscription, error) {
	return c.conn.ChanSubscribe(subject, ch)
}

func (c *natsClient) Publish(subject string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	return c.conn.Publish(subject, data)
}

func (c *natsClient) Decode(msg *nats.Msg, v any) error {
	return json.Unmarshal(msg.Data, v)
}
