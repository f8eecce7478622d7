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
	"encoding/xml"
	"strconv"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Bridge statistics arrive as pub/sub headline messages. Only numeric stat
// values are kept; the publisher-supplied wall clock is tolerated but the
// record is stamped with local time.
const (
	statUploadBitrate   = "bit_rate_upload"
	statDownloadBitrate = "bit_rate_download"
	statCpu             = "cpu_usage"
	statParticipants    = "participants"
	statTimestamp       = "current_timestamp"
)

type ColibriStat struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type ColibriStats struct {
	XMLName xml.Name      `xml:"http://jitsi.org/protocol/colibri stats"`
	Stats   []ColibriStat `xml:"stat"`
}

type PubSubItem struct {
	ID        string        `xml:"id,attr,omitempty"`
	Publisher string        `xml:"publisher,attr,omitempty"`
	Stats     *ColibriStats `xml:"http://jitsi.org/protocol/colibri stats"`
}

type PubSubItems struct {
	Node  string       `xml:"node,attr,omitempty"`
	Items []PubSubItem `xml:"item"`
}

type PubSubEvent struct {
	XMLName xml.Name     `xml:"http://jabber.org/protocol/pubsub#event event"`
	Items   *PubSubItems `xml:"items"`
}

// PubSubMessage is a headline message from the statistics feed.
type PubSubMessage struct {
	stanza.Message

	Event *PubSubEvent `xml:"http://jabber.org/protocol/pubsub#event event"`
}

type pubSubSubscribe struct {
	XMLName xml.Name `xml:"http://jabber.org/protocol/pubsub pubsub"`

	Subscribe struct {
		Node string `xml:"node,attr"`
		JID  string `xml:"jid,attr"`
	} `xml:"subscribe"`
}

// PubSubSubscribeIQ subscribes the focus to the statistics node. It is sent
// once at startup, after a short delay to allow hosts to initialize.
type PubSubSubscribeIQ struct {
	stanza.IQ

	PubSub pubSubSubscribe `xml:"http://jabber.org/protocol/pubsub pubsub"`
}

func BuildPubSubSubscribe(service jid.JID, node string, subscriber jid.JID) *PubSubSubscribeIQ {
	result := &PubSubSubscribeIQ{
		IQ: stanza.IQ{
			Type: stanza.SetIQ,
			To:   service,
			From: subscriber,
		},
	}
	result.PubSub.Subscribe.Node = node
	result.PubSub.Subscribe.JID = subscriber.Bare().String()
	return result
}

// StatsIngester turns statistics events into BridgeStats records on the
// events bus, keyed by the publisher identity.
type StatsIngester struct {
	logger *zap.Logger
	events NatsClient

	now func() time.Time
}

func NewStatsIngester(logger *zap.Logger, events NatsClient) *StatsIngester {
	return &StatsIngester{
		logger: logger.With(zap.String("component", "statsingester")),
		events: events,

		now: time.Now,
	}
}

// HandleHeadline consumes one pub/sub message. Returns whether the message
// carried bridge statistics.
func (i *StatsIngester) HandleHeadline(msg *PubSubMessage) bool {
	if msg.Event == nil || msg.Event.Items == nil {
		return false
	}

	handled := false
	for _, item := range msg.Event.Items.Items {
		if item.Stats == nil {
			continue
		}

		publisher := item.Publisher
		if publisher == "" {
			publisher = msg.From.Bare().String()
		}
		if publisher == "" {
			continue
		}

		stats := i.parseStats(publisher, item.Stats)
		if err := i.events.Publish(SubjectBridgeStats, stats); err != nil {
			i.logger.Error("Could not publish bridge stats",
				zap.String("bridge", publisher),
				zap.Error(err),
			)
			continue
		}
		handled = true
	}
	return handled
}

func (i *StatsIngester) parseStats(publisher string, stats *ColibriStats) BridgeStats {
	result := BridgeStats{
		Bridge:    publisher,
		Timestamp: i.now(),
	}

	for _, stat := range stats.Stats {
		if stat.Name == statTimestamp {
			// Publisher wall clock, superseded by the local stamp.
			continue
		}

		value, err := strconv.ParseFloat(stat.Value, 64)
		if err != nil {
			i.logger.Debug("Discarding non-numeric stat",
				zap.String("bridge", publisher),
				zap.String("stat", stat.Name),
				zap.String("value", stat.Value),
			)
			continue
		}

		switch stat.Name {
		case statUploadBitrate:
			result.UploadBitrate = uint64(value)
		case statDownloadBitrate:
			result.DownloadBitrate = uint64(value)
		case statCpu:
			result.Cpu = value
		case statParticipants:
			result.Participants = int(value)
		}
	}
	return result
}
