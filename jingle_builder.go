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
	"fmt"
)

const (
	sctpPort    = 5000
	sctpStreams = 1024

	contentCreator = "initiator"
	contentSenders = "both"
)

// offerTransport copies the bridge-assigned transport with the DTLS setup
// forced to "actpass" so the client may pick either role.
func offerTransport(transport *IceUdpTransport, data bool) *IceUdpTransport {
	result := *transport
	result.Fingerprints = make([]Fingerprint, len(transport.Fingerprints))
	for idx, fingerprint := range transport.Fingerprints {
		fingerprint.Setup = DtlsSetupActpass
		result.Fingerprints[idx] = fingerprint
	}
	if data {
		result.SctpMaps = []SctpMap{{
			Number:   sctpPort,
			Protocol: "webrtc-datachannel",
			Streams:  sctpStreams,
		}}
	}
	return &result
}

// BuildSessionInitiate composes the offer for one endpoint from the
// bridge-assigned transports, the static descriptions and the cumulative
// remote sources of all other participants. The endpoint's own sources are
// never part of its offer.
func BuildSessionInitiate(config *Config, sid string, initiator string, responder string, allocation *EndpointAllocation, remote map[string]SourceList) (*Jingle, error) {
	jingle := &Jingle{
		Action:    ActionSessionInitiate,
		SID:       sid,
		Initiator: initiator,
		Responder: responder,
	}

	names := []string{ContentAudio, ContentVideo}
	for _, name := range names {
		transport, found := allocation.Transports[name]
		if !found {
			return nil, fmt.Errorf("no transport for content %s of endpoint %s", name, allocation.Endpoint)
		}

		description := &RtpDescription{
			Media:   name,
			RtcpMux: &struct{}{},
		}
		switch name {
		case ContentAudio:
			description.PayloadTypes = AudioPayloadTypes()
			description.HdrExts = AudioHdrExts()
		case ContentVideo:
			description.PayloadTypes = VideoPayloadTypes(config.UseRtx)
			description.HdrExts = VideoHdrExts()
		}
		sources := remote[name]
		description.Sources = sources.Sources
		description.SsrcGroups = sources.Groups

		jingle.Contents = append(jingle.Contents, JingleContent{
			Creator:     contentCreator,
			Name:        name,
			Senders:     contentSenders,
			Description: description,
			Transport:   offerTransport(transport, false),
		})
	}

	if config.UseDataChannels {
		transport, found := allocation.Transports[ContentData]
		if !found {
			return nil, fmt.Errorf("no transport for content %s of endpoint %s", ContentData, allocation.Endpoint)
		}

		jingle.Contents = append(jingle.Contents, JingleContent{
			Creator:   contentCreator,
			Name:      ContentData,
			Senders:   contentSenders,
			Transport: offerTransport(transport, true),
		})
	}

	if config.UseBundle {
		group := &Group{
			Semantics: SemanticsBundle,
		}
		for _, content := range jingle.Contents {
			group.Contents = append(group.Contents, GroupContent{Name: content.Name})
		}
		jingle.Group = group
	}

	return jingle, nil
}

// BuildSourceNotify produces the source-add / source-remove delta that is
// fanned out to the other session members.
func BuildSourceNotify(action string, sid string, initiator string, sources map[string]SourceList) *Jingle {
	jingle := &Jingle{
		Action:    action,
		SID:       sid,
		Initiator: initiator,
	}

	names := []string{ContentAudio, ContentVideo}
	for _, name := range names {
		list, found := sources[name]
		if !found || list.Empty() {
			continue
		}
		jingle.Contents = append(jingle.Contents, JingleContent{
			Creator: contentCreator,
			Name:    name,
			Description: &RtpDescription{
				Media:      name,
				Sources:    list.Sources,
				SsrcGroups: list.Groups,
			},
		})
	}

	return jingle
}

func BuildSessionTerminate(sid string, initiator string) *Jingle {
	return &Jingle{
		Action:    ActionSessionTerminate,
		SID:       sid,
		Initiator: initiator,
		Reason: &Reason{
			Success: &struct{}{},
		},
	}
}
