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
	"strings"

	"mellium.im/xmpp/stanza"
)

const (
	ActionSessionInitiate  = "session-initiate"
	ActionSessionAccept    = "session-accept"
	ActionSessionInfo      = "session-info"
	ActionSessionTerminate = "session-terminate"
	ActionSourceAdd        = "source-add"
	ActionSourceRemove     = "source-remove"

	ContentAudio = "audio"
	ContentVideo = "video"
	ContentData  = "data"

	// DTLS role offered to clients, the client picks the active end.
	DtlsSetupActpass = "actpass"

	SemanticsBundle = "BUNDLE"
	SemanticsFid    = "FID"
)

type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr,omitempty"`
}

type RtcpFb struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
	Type    string   `xml:"type,attr"`
	Subtype string   `xml:"subtype,attr,omitempty"`
}

type PayloadType struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:1 payload-type"`
	ID         int         `xml:"id,attr"`
	Name       string      `xml:"name,attr,omitempty"`
	Clockrate  int         `xml:"clockrate,attr,omitempty"`
	Channels   int         `xml:"channels,attr,omitempty"`
	Parameters []Parameter `xml:"parameter"`
	Feedback   []RtcpFb    `xml:"urn:xmpp:jingle:apps:rtp:rtcp-fb:0 rtcp-fb"`
}

type RtpHdrExt struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	ID      int      `xml:"id,attr"`
	URI     string   `xml:"uri,attr"`
}

// Source is an SSMA source advertisement. The "msid" parameter links the
// SSRC to a logical media stream.
type Source struct {
	XMLName    xml.Name    `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SSRC       string      `xml:"ssrc,attr"`
	Parameters []Parameter `xml:"parameter"`
}

// Msid returns the stream id of the source's "msid" parameter, or "".
func (s *Source) Msid() string {
	for _, p := range s.Parameters {
		if p.Name == "msid" {
			if idx := strings.IndexByte(p.Value, ' '); idx >= 0 {
				return p.Value[:idx]
			}
			return p.Value
		}
	}
	return ""
}

type SsrcGroup struct {
	XMLName   xml.Name `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Semantics string   `xml:"semantics,attr"`
	Sources   []Source `xml:"source"`
}

type Fingerprint struct {
	XMLName xml.Name `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Hash    string   `xml:"hash,attr"`
	Setup   string   `xml:"setup,attr,omitempty"`
	Value   string   `xml:",chardata"`
}

type IceCandidate struct {
	Foundation string `xml:"foundation,attr"`
	Component  int    `xml:"component,attr"`
	Protocol   string `xml:"protocol,attr"`
	Priority   uint64 `xml:"priority,attr"`
	IP         string `xml:"ip,attr"`
	Port       int    `xml:"port,attr"`
	Type       string `xml:"type,attr"`
	Generation string `xml:"generation,attr,omitempty"`
	Network    string `xml:"network,attr,omitempty"`
	ID         string `xml:"id,attr,omitempty"`
	RelAddr    string `xml:"rel-addr,attr,omitempty"`
	RelPort    int    `xml:"rel-port,attr,omitempty"`
}

type SctpMap struct {
	XMLName  xml.Name `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
	Number   int      `xml:"number,attr"`
	Protocol string   `xml:"protocol,attr"`
	Streams  int      `xml:"streams,attr,omitempty"`
}

type IceUdpTransport struct {
	XMLName      xml.Name       `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
	Ufrag        string         `xml:"ufrag,attr,omitempty"`
	Pwd          string         `xml:"pwd,attr,omitempty"`
	Fingerprints []Fingerprint  `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint"`
	Candidates   []IceCandidate `xml:"candidate"`
	SctpMaps     []SctpMap      `xml:"urn:xmpp:jingle:transports:dtls-sctp:1 sctpmap"`
	RtcpMux      *struct{}      `xml:"rtcp-mux"`
}

type RtpDescription struct {
	XMLName      xml.Name      `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Media        string        `xml:"media,attr"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	HdrExts      []RtpHdrExt   `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SsrcGroups   []SsrcGroup   `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	RtcpMux      *struct{}     `xml:"rtcp-mux"`
}

type JingleContent struct {
	Creator     string           `xml:"creator,attr,omitempty"`
	Name        string           `xml:"name,attr"`
	Senders     string           `xml:"senders,attr,omitempty"`
	Description *RtpDescription  `xml:"urn:xmpp:jingle:apps:rtp:1 description"`
	Transport   *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

type GroupContent struct {
	Name string `xml:"name,attr"`
}

type Group struct {
	XMLName   xml.Name       `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Semantics string         `xml:"semantics,attr"`
	Contents  []GroupContent `xml:"content"`
}

type Reason struct {
	Success *struct{} `xml:"success"`
	Busy    *struct{} `xml:"busy"`
	Text    string    `xml:"text,omitempty"`
}

// MuteInfo is a session-info payload. Without a name attribute the mute
// applies to all media of the session.
type MuteInfo struct {
	Name string `xml:"name,attr,omitempty"`
}

type Jingle struct {
	XMLName   xml.Name        `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string          `xml:"action,attr"`
	SID       string          `xml:"sid,attr"`
	Initiator string          `xml:"initiator,attr,omitempty"`
	Responder string          `xml:"responder,attr,omitempty"`
	Contents  []JingleContent `xml:"content"`
	Group     *Group          `xml:"urn:xmpp:jingle:apps:grouping:0 group"`
	Reason    *Reason         `xml:"reason"`

	Mute   *MuteInfo `xml:"urn:xmpp:jingle:apps:rtp:info:1 mute"`
	Unmute *MuteInfo `xml:"urn:xmpp:jingle:apps:rtp:info:1 unmute"`

	// Mediastream children may restrict a mute / unmute to specific msids.
	MediaStreams []MediaStream `xml:"http://andyet.net/xmlns/mmuc mediastream"`
}

type JingleIQ struct {
	stanza.IQ

	Jingle Jingle `xml:"urn:xmpp:jingle:1 jingle"`
}

// SourceList is the per-medium advertisement of one participant.
type SourceList struct {
	Sources []Source
	Groups  []SsrcGroup
}

func (l SourceList) Empty() bool {
	return len(l.Sources) == 0 && len(l.Groups) == 0
}

// RemoveMatching deletes all sources whose SSRC appears in the passed list,
// together with every group that references one of them, and returns the
// entries actually removed.
func (l *SourceList) RemoveMatching(remove SourceList) SourceList {
	removedSsrcs := make(map[string]bool, len(remove.Sources))
	for _, s := range remove.Sources {
		removedSsrcs[s.SSRC] = true
	}

	var removed SourceList
	var kept []Source
	for _, s := range l.Sources {
		if removedSsrcs[s.SSRC] {
			removed.Sources = append(removed.Sources, s)
		} else {
			kept = append(kept, s)
		}
	}
	l.Sources = kept

	var keptGroups []SsrcGroup
	for _, g := range l.Groups {
		match := false
		for _, s := range g.Sources {
			if removedSsrcs[s.SSRC] {
				match = true
				break
			}
		}
		if match {
			removed.Groups = append(removed.Groups, g)
		} else {
			keptGroups = append(keptGroups, g)
		}
	}
	l.Groups = keptGroups
	return removed
}
