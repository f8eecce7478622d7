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

	"mellium.im/xmpp/stanza"
)

type ColibriChannel struct {
	ID              string           `xml:"id,attr,omitempty"`
	Endpoint        string           `xml:"endpoint,attr,omitempty"`
	ChannelBundleID string           `xml:"channel-bundle-id,attr,omitempty"`
	Initiator       *bool            `xml:"initiator,attr,omitempty"`
	Expire          *int             `xml:"expire,attr,omitempty"`
	Direction       string           `xml:"direction,attr,omitempty"`
	PayloadTypes    []PayloadType    `xml:"urn:xmpp:jingle:apps:rtp:1 payload-type"`
	HdrExts         []RtpHdrExt      `xml:"urn:xmpp:jingle:apps:rtp:rtp-hdrext:0 rtp-hdrext"`
	Sources         []Source         `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
	SsrcGroups      []SsrcGroup      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 ssrc-group"`
	Transport       *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

type ColibriSctpConnection struct {
	ID              string           `xml:"id,attr,omitempty"`
	Endpoint        string           `xml:"endpoint,attr,omitempty"`
	ChannelBundleID string           `xml:"channel-bundle-id,attr,omitempty"`
	Initiator       *bool            `xml:"initiator,attr,omitempty"`
	Expire          *int             `xml:"expire,attr,omitempty"`
	Port            int              `xml:"port,attr,omitempty"`
	Transport       *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

type ColibriContent struct {
	Name            string                  `xml:"name,attr"`
	Channels        []ColibriChannel        `xml:"channel"`
	SctpConnections []ColibriSctpConnection `xml:"sctpconnection"`
}

type ColibriChannelBundle struct {
	ID        string           `xml:"id,attr"`
	Transport *IceUdpTransport `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport"`
}

type ColibriConference struct {
	XMLName        xml.Name               `xml:"http://jitsi.org/protocol/colibri conference"`
	ID             string                 `xml:"id,attr,omitempty"`
	Contents       []ColibriContent       `xml:"content"`
	ChannelBundles []ColibriChannelBundle `xml:"channel-bundle"`
}

type ColibriIQ struct {
	stanza.IQ

	Conference ColibriConference `xml:"http://jitsi.org/protocol/colibri conference"`
}

func (c *ColibriConference) content(name string) *ColibriContent {
	for idx := range c.Contents {
		if c.Contents[idx].Name == name {
			return &c.Contents[idx]
		}
	}
	return nil
}

// EndpointAllocation is the per-endpoint result of a conference create or
// update, resolved from the bridge's reply.
type EndpointAllocation struct {
	Endpoint string

	// Channel ids by content name; the SCTP connection id is stored under
	// the "data" key.
	Channels map[string]string

	// Transports by content name, falling back to the endpoint's channel
	// bundle transport when bundling is in use.
	Transports map[string]*IceUdpTransport
}

// ParseConferenceAllocations extracts the per-endpoint channel ids and
// transports of a COLIBRI reply. Channel ids are bridge-assigned and kept
// opaque.
func ParseConferenceAllocations(conf *ColibriConference) map[string]*EndpointAllocation {
	result := make(map[string]*EndpointAllocation)
	get := func(endpoint string) *EndpointAllocation {
		if endpoint == "" {
			return nil
		}
		alloc, found := result[endpoint]
		if !found {
			alloc = &EndpointAllocation{
				Endpoint:   endpoint,
				Channels:   make(map[string]string),
				Transports: make(map[string]*IceUdpTransport),
			}
			result[endpoint] = alloc
		}
		return alloc
	}

	bundles := make(map[string]*IceUdpTransport)
	for idx := range conf.ChannelBundles {
		bundle := &conf.ChannelBundles[idx]
		if bundle.Transport != nil {
			bundles[bundle.ID] = bundle.Transport
		}
	}

	for idx := range conf.Contents {
		content := &conf.Contents[idx]
		for cidx := range content.Channels {
			channel := &content.Channels[cidx]
			alloc := get(channel.Endpoint)
			if alloc == nil || channel.ID == "" {
				continue
			}
			alloc.Channels[content.Name] = channel.ID
			if channel.Transport != nil {
				alloc.Transports[content.Name] = channel.Transport
			} else if transport, found := bundles[channel.ChannelBundleID]; found {
				alloc.Transports[content.Name] = transport
			}
		}
		for cidx := range content.SctpConnections {
			conn := &content.SctpConnections[cidx]
			alloc := get(conn.Endpoint)
			if alloc == nil || conn.ID == "" {
				continue
			}
			alloc.Channels[content.Name] = conn.ID
			if conn.Transport != nil {
				alloc.Transports[content.Name] = conn.Transport
			} else if transport, found := bundles[conn.ChannelBundleID]; found {
				alloc.Transports[content.Name] = transport
			}
		}
	}
	return result
}
