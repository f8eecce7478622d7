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
	"encoding/hex"
	"fmt"

	"mellium.im/xmpp/jid"
)

// The "from" of requests to the media bridge must be an address the bridge
// can reply to while still identifying the room. The room node is
// hex-encoded and joined to the room host with "/", so the result parses as
// a local address of this service and the transformation stays reversible.

func EncodeRoomAddress(room jid.JID) (jid.JID, error) {
	node := room.Localpart()
	if node == "" {
		return jid.JID{}, fmt.Errorf("room %s has no node", room)
	}

	encoded := hex.EncodeToString([]byte(node))
	return jid.Parse(encoded + "/" + room.Domainpart())
}

func DecodeRoomAddress(address jid.JID) (jid.JID, error) {
	node, err := hex.DecodeString(address.Domainpart())
	if err != nil {
		return jid.JID{}, fmt.Errorf("invalid room address %s: %w", address, err)
	}

	host := address.Resourcepart()
	if host == "" {
		return jid.JID{}, fmt.Errorf("invalid room address %s: no host", address)
	}

	return jid.New(string(node), host, "")
}
