/**
 * Conference focus agent for multi-party XMPP calls.
 * Copyright (C) 2021 struktur AG
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
	"sort"

	"mellium.im/xmpp/stanza"
)

const (
	// Room modes broadcast in groupchat status messages.
	ModeRelay = "relay"
	ModeP2P   = "p2p"

	// Media states in mediastream presence annotations.
	MediaActive = "true"
	MediaMuted  = "muted"
)

// ConfElement is the mmuc "conf" payload. In a joining presence it carries
// the client's bridged capability, in status messages the room mode.
type ConfElement struct {
	XMLName xml.Name `xml:"http://andyet.net/xmlns/mmuc conf"`
	Bridged string   `xml:"bridged,attr,omitempty"`
	Mode    string   `xml:"mode,attr,omitempty"`
}

// MediaStream annotates an occupant presence with the state of one media
// stream.
type MediaStream struct {
	XMLName xml.Name `xml:"http://andyet.net/xmlns/mmuc mediastream"`
	MSID    string   `xml:"msid,attr"`
	Audio   string   `xml:"audio,attr,omitempty"`
	Video   string   `xml:"video,attr,omitempty"`
}

// OccupantPresence is a MUC occupant presence as seen (and stamped) by the
// focus.
type OccupantPresence struct {
	stanza.Presence

	Conf         *ConfElement  `xml:"http://andyet.net/xmlns/mmuc conf"`
	MediaStreams []MediaStream `xml:"http://andyet.net/xmlns/mmuc mediastream"`
}

// Bridged reports whether the joining client announced itself as capable of
// bridged conferences.
func (p *OccupantPresence) Bridged() bool {
	if p.Conf == nil {
		return false
	}
	return p.Conf.Bridged == "1" || p.Conf.Bridged == "true"
}

// StampMediaStreams replaces any mediastream annotations with the
// authoritative msid state. The result is ordered by msid so repeated
// stampings of unchanged state are identical.
func (p *OccupantPresence) StampMediaStreams(msids map[string]*MsidStatus) {
	p.MediaStreams = BuildMediaStreams(msids)
}

func BuildMediaStreams(msids map[string]*MsidStatus) []MediaStream {
	if len(msids) == 0 {
		return nil
	}

	ids := make([]string, 0, len(msids))
	for id := range msids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]MediaStream, 0, len(ids))
	for _, id := range ids {
		status := msids[id]
		result = append(result, MediaStream{
			MSID:  id,
			Audio: status.Audio,
			Video: status.Video,
		})
	}
	return result
}

// StatusMessage tells clients whether the room is relayed through a bridge
// or peer-to-peer.
type StatusMessage struct {
	stanza.Message

	Conf ConfElement `xml:"http://andyet.net/xmlns/mmuc conf"`
}

// ErrorPresence rejects a join.
type ErrorPresence struct {
	stanza.Presence

	Error stanza.Error `xml:"jabber:client error"`
}
