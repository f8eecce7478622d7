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
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

type ConferenceState int

const (
	ConferenceAbsent ConferenceState = iota
	ConferencePending
	ConferenceAssigned
)

// Room is the per-room record of the focus. All fields are guarded by the
// owning Focus; a room is only touched from within one controller turn.
type Room struct {
	id     jid.JID
	logger *zap.Logger

	state        ConferenceState
	conferenceID string

	// The bridge is chosen at first allocation and kept until the room is
	// destroyed; a pending allocation that times out or fails clears it so
	// the next allocation selects again.
	bridge string

	participants map[string]*Participant
	// Join order of the nicknames in participants.
	order []string

	// Nicknames with an active Jingle session, mapped to the session id.
	sessions map[string]string

	// Nicknames waiting for a channel because creation is in flight.
	pendingJoin []string

	lingerTimer *time.Timer
	allocTimer  *time.Timer
}

func NewRoom(id jid.JID, logger *zap.Logger) *Room {
	return &Room{
		id: id,
		logger: logger.With(
			zap.Stringer("room", id),
		),

		participants: make(map[string]*Participant),
		sessions:     make(map[string]string),
	}
}

func (r *Room) Id() jid.JID {
	return r.id
}

func (r *Room) addParticipant(real jid.JID, nick string, bridged bool) *Participant {
	p, found := r.participants[nick]
	if !found {
		p = newParticipant(real, nick, bridged)
		r.participants[nick] = p
		r.order = append(r.order, nick)
	} else {
		p.Real = real
		p.Bridged = bridged
	}
	return p
}

func (r *Room) removeParticipant(nick string) *Participant {
	p, found := r.participants[nick]
	if !found {
		return nil
	}

	delete(r.participants, nick)
	for idx, n := range r.order {
		if n == nick {
			r.order = append(r.order[:idx], r.order[idx+1:]...)
			break
		}
	}
	for idx, n := range r.pendingJoin {
		if n == nick {
			r.pendingJoin = append(r.pendingJoin[:idx], r.pendingJoin[idx+1:]...)
			break
		}
	}
	return p
}

func (r *Room) capableCount() int {
	count := 0
	for _, p := range r.participants {
		if p.Bridged {
			count++
		}
	}
	return count
}

// nickByReal finds the nickname of the occupant with the given real
// address, or "".
func (r *Room) nickByReal(real jid.JID) string {
	bare := real.Bare()
	for _, nick := range r.order {
		if r.participants[nick].Real.Bare().Equal(bare) {
			return nick
		}
	}
	return ""
}

// hasSessionFor reports whether the real address already owns an active
// session in this room.
func (r *Room) hasSessionFor(real jid.JID) bool {
	nick := r.nickByReal(real)
	if nick == "" {
		return false
	}
	_, found := r.sessions[nick]
	return found
}

// capableWithoutSession returns capable participants without an active
// session, in join order. Iteration through the ordered list keeps fan-out
// stable within a turn.
func (r *Room) capableWithoutSession() []string {
	var result []string
	for _, nick := range r.order {
		p := r.participants[nick]
		if !p.Bridged {
			continue
		}
		if _, found := r.sessions[nick]; found {
			continue
		}
		result = append(result, nick)
	}
	return result
}

func (r *Room) sessionMembers() []string {
	var result []string
	for _, nick := range r.order {
		if _, found := r.sessions[nick]; found {
			result = append(result, nick)
		}
	}
	return result
}

// remoteSources collects the cumulative advertisements of all session
// members except the given endpoint.
func (r *Room) remoteSources(except string) map[string]SourceList {
	result := make(map[string]SourceList)
	for _, nick := range r.sessionMembers() {
		if nick == except {
			continue
		}
		for medium, list := range r.participants[nick].Sources {
			merged := result[medium]
			merged.Sources = append(merged.Sources, list.Sources...)
			merged.Groups = append(merged.Groups, list.Groups...)
			result[medium] = merged
		}
	}
	return result
}

// allChannels returns every known channel id keyed by endpoint and content
// name.
func (r *Room) allChannels() map[string]map[string]string {
	result := make(map[string]map[string]string)
	for nick, p := range r.participants {
		if len(p.Channels) == 0 {
			continue
		}
		channels := make(map[string]string, len(p.Channels))
		for name, id := range p.Channels {
			channels[name] = id
		}
		result[nick] = channels
	}
	return result
}

func (r *Room) stopLinger() {
	if r.lingerTimer != nil {
		r.lingerTimer.Stop()
		r.lingerTimer = nil
	}
}

func (r *Room) stopAllocTimer() {
	if r.allocTimer != nil {
		r.allocTimer.Stop()
		r.allocTimer = nil
	}
}
