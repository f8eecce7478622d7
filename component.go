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
	"context"
	"encoding/xml"
	"fmt"

	"go.uber.org/zap"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/mux"
	"mellium.im/xmpp/stanza"
)

const (
	NSDiscoInfo = "http://jabber.org/protocol/disco#info"

	sendQueueSize = 256
)

// Component binds a focus to an XMPP session (typically a component
// stream): inbound stanzas are routed into the focus handlers, outbound
// stanzas are enqueued and written by a single writer, so sends from within
// a controller turn never block.
type Component struct {
	logger  *zap.Logger
	session *xmpp.Session
	focus   *Focus

	queue     chan any
	closeChan chan struct{}
}

func NewComponent(logger *zap.Logger, session *xmpp.Session) *Component {
	c := &Component{
		logger:  logger.With(zap.String("component", "xmpp")),
		session: session,

		queue:     make(chan any, sendQueueSize),
		closeChan: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// SetFocus attaches the controller. Must be called before Serve.
func (c *Component) SetFocus(f *Focus) {
	c.focus = f
}

func (c *Component) Close() {
	close(c.closeChan)
}

func (c *Component) writeLoop() {
	for {
		select {
		case <-c.closeChan:
			return
		case v := <-c.queue:
			if err := c.session.Encode(context.Background(), v); err != nil {
				c.logger.Error("Could not write stanza",
					zap.Error(err),
				)
			}
		}
	}
}

// SendStanza implements the Host interface.
func (c *Component) SendStanza(v any) error {
	select {
	case c.queue <- v:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// RepublishPresence implements the Host interface. A standalone component
// has no access to the host's occupant records, so the occupant presence is
// reconstructed from the focus state and sent to the room.
func (c *Component) RepublishPresence(room jid.JID, nick string) error {
	occupant, err := jid.New(room.Localpart(), room.Domainpart(), nick)
	if err != nil {
		return err
	}

	presence := &OccupantPresence{
		Presence: stanza.Presence{
			To:   room.Bare(),
			From: occupant,
		},
	}
	c.focus.HandleOccupantPreChange(room, nick, presence)
	return c.SendStanza(presence)
}

// Serve runs the session's receive loop until the stream ends. Stanzas on
// a component stream arrive in the component namespace.
func (c *Component) Serve() error {
	m := mux.New(
		component.NSAccept,
		mux.IQFunc(stanza.SetIQ, xml.Name{Space: NSJingle, Local: "jingle"}, c.handleJingleIQ),
		mux.IQFunc(stanza.ResultIQ, xml.Name{Space: NSColibri, Local: "conference"}, c.handleColibriResult),
		mux.IQFunc(stanza.ErrorIQ, xml.Name{}, c.handleErrorIQ),
		mux.IQFunc(stanza.GetIQ, xml.Name{Space: NSDiscoInfo, Local: "query"}, c.handleDiscoInfo),
		mux.MessageFunc(stanza.HeadlineMessage, xml.Name{Space: NSPubSubEvent, Local: "event"}, c.handleHeadline),
		mux.PresenceFunc(stanza.AvailablePresence, xml.Name{}, c.handlePresence),
		mux.PresenceFunc(stanza.UnavailablePresence, xml.Name{}, c.handleUnavailable),
	)
	return c.session.Serve(m)
}

func (c *Component) handleJingleIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var payload Jingle
	d := xml.NewTokenDecoder(t)
	if err := d.DecodeElement(&payload, start); err != nil {
		return err
	}

	c.focus.HandleJingle(iq, &payload)
	return nil
}

func (c *Component) handleColibriResult(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var payload ColibriConference
	d := xml.NewTokenDecoder(t)
	if err := d.DecodeElement(&payload, start); err != nil {
		return err
	}

	c.focus.HandleColibriReply(iq, &payload)
	return nil
}

func (c *Component) handleErrorIQ(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	var serr stanza.Error
	if start.Name.Local == "error" {
		d := xml.NewTokenDecoder(t)
		if err := d.DecodeElement(&serr, start); err != nil {
			return err
		}
	}

	c.focus.HandleColibriError(iq, &serr)
	return nil
}

type discoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
	Name     string `xml:"name,attr,omitempty"`
}

type discoFeature struct {
	Var string `xml:"var,attr"`
}

type discoInfoQuery struct {
	XMLName    xml.Name        `xml:"http://jabber.org/protocol/disco#info query"`
	Identities []discoIdentity `xml:"identity"`
	Features   []discoFeature  `xml:"feature"`
}

func (c *Component) handleDiscoInfo(iq stanza.IQ, t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	query := discoInfoQuery{
		Identities: []discoIdentity{
			{Category: "component", Type: "generic", Name: "Conference focus"},
		},
		Features: []discoFeature{{Var: NSDiscoInfo}},
	}
	for _, feature := range Features() {
		query.Features = append(query.Features, discoFeature{Var: feature})
	}

	reply := struct {
		stanza.IQ

		Query discoInfoQuery `xml:"http://jabber.org/protocol/disco#info query"`
	}{
		IQ: stanza.IQ{
			ID:   iq.ID,
			Type: stanza.ResultIQ,
			To:   iq.From,
			From: iq.To,
		},
		Query: query,
	}
	return c.SendStanza(&reply)
}

func (c *Component) handleHeadline(msg stanza.Message, t xmlstream.TokenReadEncoder) error {
	var decoded PubSubMessage
	d := xml.NewTokenDecoder(t)
	if err := d.Decode(&decoded); err != nil {
		return err
	}
	decoded.Message = msg

	c.focus.HandleHeadline(&decoded)
	return nil
}

func (c *Component) handlePresence(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	var decoded OccupantPresence
	d := xml.NewTokenDecoder(t)
	if err := d.Decode(&decoded); err != nil {
		return err
	}
	decoded.Presence = p

	room := p.To.Bare()
	nick := p.To.Resourcepart()
	if nick == "" {
		return nil
	}

	if c.focus.KnowsOccupant(room, nick) {
		// A presence update of a tracked occupant, not a join: the
		// pre-change hook re-stamps the media metadata before the
		// presence is relayed to the room.
		c.focus.HandleOccupantPreChange(room, nick, &decoded)
		occupant, err := jid.New(room.Localpart(), room.Domainpart(), nick)
		if err != nil {
			return err
		}
		decoded.Presence.From = occupant
		decoded.Presence.To = room
		return c.SendStanza(&decoded)
	}

	if c.focus.HandlePreJoin(room, &decoded) {
		return nil
	}
	c.focus.HandleOccupantJoined(room, nick, p.From, &decoded)
	return nil
}

func (c *Component) handleUnavailable(p stanza.Presence, t xmlstream.TokenReadEncoder) error {
	nick := p.To.Resourcepart()
	if nick == "" {
		return nil
	}

	c.focus.HandleOccupantLeft(p.To.Bare(), nick)
	return nil
}
