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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	natsserver "github.com/nats-io/nats-server/v2/test"
)

const (
	testBridge    = "jvb.example.com"
	testAltBridge = "jvb2.example.com"
)

func startLocalNatsServer(t *testing.T) string {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.Cluster.Name = "testing"
	srv := natsserver.RunServer(&opts)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv.ClientURL()
}

func testConfig() *Config {
	return &Config{
		DefaultBridge: testBridge,

		UseDataChannels: true,
		UseBundle:       true,

		PubSubService: "pubsub.example.com",
		PubSubNode:    defaultPubSubNode,

		MinParticipants:  2,
		BridgeLiveness:   defaultBridgeLiveness,
		AllocationExpiry: time.Minute,
		SubscribeDelay:   defaultSubscribeDelay,

		EventsUrl: NatsLoopbackUrl,
	}
}

// testHost records everything the focus sends.
type testHost struct {
	mu          sync.Mutex
	stanzas     []any
	republished []string
}

func (h *testHost) SendStanza(v any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stanzas = append(h.stanzas, v)
	return nil
}

func (h *testHost) RepublishPresence(room jid.JID, nick string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.republished = append(h.republished, room.Bare().String()+"/"+nick)
	return nil
}

func (h *testHost) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stanzas = nil
	h.republished = nil
}

func (h *testHost) colibriRequests() []*ColibriIQ {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*ColibriIQ
	for _, v := range h.stanzas {
		if iq, ok := v.(*ColibriIQ); ok {
			result = append(result, iq)
		}
	}
	return result
}

func (h *testHost) jingleRequests() []*JingleIQ {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*JingleIQ
	for _, v := range h.stanzas {
		if iq, ok := v.(*JingleIQ); ok {
			result = append(result, iq)
		}
	}
	return result
}

func (h *testHost) jingleRequestsTo(to jid.JID) []*JingleIQ {
	var result []*JingleIQ
	for _, iq := range h.jingleRequests() {
		if iq.To.Equal(to) {
			result = append(result, iq)
		}
	}
	return result
}

func (h *testHost) statusMessages() []*StatusMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*StatusMessage
	for _, v := range h.stanzas {
		if msg, ok := v.(*StatusMessage); ok {
			result = append(result, msg)
		}
	}
	return result
}

func (h *testHost) errorPresences() []*ErrorPresence {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*ErrorPresence
	for _, v := range h.stanzas {
		if p, ok := v.(*ErrorPresence); ok {
			result = append(result, p)
		}
	}
	return result
}

func newFocusForTest(t *testing.T, config *Config) (*Focus, *testHost) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	events, err := NewLoopbackNatsClient(logger)
	require.NoError(t, err)
	t.Cleanup(events.Close)

	host := &testHost{}
	f, err := NewFocus(logger, host, jid.MustParse("focus.example.com"), config, events)
	require.NoError(t, err)
	t.Cleanup(f.Stop)
	return f, host
}

func testRoom(t *testing.T) jid.JID {
	t.Helper()
	return jid.MustParse("room@conference.example.com")
}

func occupantJid(t *testing.T, room jid.JID, nick string) jid.JID {
	t.Helper()
	occupant, err := jid.New(room.Localpart(), room.Domainpart(), nick)
	require.NoError(t, err)
	return occupant
}

func joinPresence(t *testing.T, room jid.JID, nick string, real jid.JID, bridged bool) *OccupantPresence {
	t.Helper()
	p := &OccupantPresence{
		Presence: stanza.Presence{
			From: real,
			To:   occupantJid(t, room, nick),
		},
	}
	if bridged {
		p.Conf = &ConfElement{Bridged: "1"}
	}
	return p
}

// join runs the complete pre-join plus joined sequence for one occupant.
func join(t *testing.T, f *Focus, room jid.JID, nick string, real jid.JID, bridged bool) {
	t.Helper()
	p := joinPresence(t, room, nick, real, bridged)
	if f.HandlePreJoin(room, p) {
		t.Fatalf("join of %s was rejected", nick)
	}
	f.HandleOccupantJoined(room, nick, real, p)
}

// bridgeConference builds a bridge reply allocating bundled channels for
// the requested endpoints, with ids derived from the endpoint names.
func bridgeConference(request *ColibriIQ, conferenceID string) *ColibriConference {
	reply := &ColibriConference{
		ID: conferenceID,
	}

	endpoints := make(map[string]bool)
	for _, content := range request.Conference.Contents {
		replyContent := ColibriContent{
			Name: content.Name,
		}
		for _, channel := range content.Channels {
			replyContent.Channels = append(replyContent.Channels, ColibriChannel{
				ID:              fmt.Sprintf("%s-%s", channel.Endpoint, content.Name),
				Endpoint:        channel.Endpoint,
				ChannelBundleID: channel.ChannelBundleID,
			})
			endpoints[channel.Endpoint] = true
		}
		for _, conn := range content.SctpConnections {
			replyContent.SctpConnections = append(replyContent.SctpConnections, ColibriSctpConnection{
				ID:              fmt.Sprintf("%s-%s", conn.Endpoint, content.Name),
				Endpoint:        conn.Endpoint,
				ChannelBundleID: conn.ChannelBundleID,
				Port:            sctpPort,
			})
			endpoints[conn.Endpoint] = true
		}
		reply.Contents = append(reply.Contents, replyContent)
	}

	for endpoint := range endpoints {
		reply.ChannelBundles = append(reply.ChannelBundles, ColibriChannelBundle{
			ID: endpoint,
			Transport: &IceUdpTransport{
				Ufrag: "ufrag-" + endpoint,
				Pwd:   "pwd-" + endpoint,
				Fingerprints: []Fingerprint{
					{Hash: "sha-256", Value: "AA:BB:CC"},
				},
			},
		})
	}
	return reply
}

// deliverBridgeReply answers the given request as the bridge would.
func deliverBridgeReply(t *testing.T, f *Focus, request *ColibriIQ, conferenceID string) *ColibriConference {
	t.Helper()
	reply := bridgeConference(request, conferenceID)
	iq := stanza.IQ{
		ID:   request.IQ.ID,
		Type: stanza.ResultIQ,
		From: jid.MustParse(request.IQ.To.String()),
		To:   request.IQ.From,
	}
	require.True(t, f.HandleColibriReply(iq, reply))
	return reply
}
