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

// The focus ships a fixed offer; codecs are never renegotiated. The tables
// below parameterize the static audio / video descriptions, with rtx as the
// only configurable entry.

const (
	payloadTypeVP8 = 100
	payloadTypeRtx = 96
)

func AudioPayloadTypes() []PayloadType {
	return []PayloadType{
		{
			ID:        111,
			Name:      "opus",
			Clockrate: 48000,
			Channels:  2,
			Parameters: []Parameter{
				{Name: "minptime", Value: "10"},
			},
		},
		{ID: 103, Name: "ISAC", Clockrate: 16000},
		{ID: 104, Name: "ISAC", Clockrate: 32000},
		{ID: 9, Name: "G722", Clockrate: 8000},
		{ID: 0, Name: "PCMU", Clockrate: 8000},
		{ID: 8, Name: "PCMA", Clockrate: 8000},
	}
}

func VideoPayloadTypes(useRtx bool) []PayloadType {
	result := []PayloadType{
		{
			ID:        payloadTypeVP8,
			Name:      "VP8",
			Clockrate: 90000,
			Feedback: []RtcpFb{
				{Type: "ccm", Subtype: "fir"},
				{Type: "nack"},
				{Type: "nack", Subtype: "pli"},
				{Type: "goog-remb"},
			},
		},
	}
	if useRtx {
		result = append(result, PayloadType{
			ID:        payloadTypeRtx,
			Name:      "rtx",
			Clockrate: 90000,
			Parameters: []Parameter{
				{Name: "apt", Value: "100"},
			},
		})
	}
	return result
}

func AudioHdrExts() []RtpHdrExt {
	return []RtpHdrExt{
		{ID: 1, URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level"},
	}
}

func VideoHdrExts() []RtpHdrExt {
	return []RtpHdrExt{
		{ID: 2, URI: "urn:ietf:params:rtp-hdrext:toffset"},
		{ID: 3, URI: "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"},
	}
}
