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

const (
	NSColibri = "http://jitsi.org/protocol/colibri"

	NSJingle          = "urn:xmpp:jingle:1"
	NSJingleIceUdp    = "urn:xmpp:jingle:transports:ice-udp:1"
	NSJingleDtls      = "urn:xmpp:jingle:apps:dtls:0"
	NSJingleRtp       = "urn:xmpp:jingle:apps:rtp:1"
	NSJingleRtpInfo   = "urn:xmpp:jingle:apps:rtp:info:1"
	NSJingleRtpHdrext = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSJingleRtcpFb    = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"
	NSJingleSsma      = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSJingleGrouping  = "urn:xmpp:jingle:apps:grouping:0"
	NSJingleDtlsSctp  = "urn:xmpp:jingle:transports:dtls-sctp:1"

	NSMmuc = "http://andyet.net/xmlns/mmuc"

	NSPubSub      = "http://jabber.org/protocol/pubsub"
	NSPubSubEvent = "http://jabber.org/protocol/pubsub#event"
)

// Features published in the room's service discovery info. COLIBRI is a
// focus-to-bridge concern and is deliberately not announced to clients.
func Features() []string {
	return []string{
		NSJingle,
		NSJingleIceUdp,
		NSJingleRtp,
		NSJingleDtls,
		NSMmuc,
	}
}
