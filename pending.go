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
	"sync"
	"time"

	"mellium.im/xmpp/jid"
)

// PendingRequest correlates an outgoing COLIBRI request with the endpoints
// whose channels it allocates.
type PendingRequest struct {
	Room      jid.JID
	Endpoints []string
	Created   time.Time
}

// PendingRequests is the correlation table for outstanding bridge requests.
// Entries are installed at send time and removed on the first matching
// reply or on room destruction; replies without an entry are stale and get
// dropped by the caller.
type PendingRequests struct {
	mu sync.Mutex
	// +checklocks:mu
	entries map[string]*PendingRequest
}

func NewPendingRequests() *PendingRequests {
	return &PendingRequests{
		entries: make(map[string]*PendingRequest),
	}
}

func (p *PendingRequests) Add(id string, room jid.JID, endpoints []string, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[id] = &PendingRequest{
		Room:      room,
		Endpoints: append([]string(nil), endpoints...),
		Created:   now,
	}
}

// Take removes and returns the entry for the given request id.
func (p *PendingRequests) Take(id string) (*PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, found := p.entries[id]
	if found {
		delete(p.entries, id)
	}
	return entry, found
}

// RemoveEndpoint drops an endpoint from all of the room's entries, so a
// late reply doesn't deliver channels to a departed occupant.
func (p *PendingRequests) RemoveEndpoint(room jid.JID, endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if !entry.Room.Equal(room) {
			continue
		}
		for idx, e := range entry.Endpoints {
			if e == endpoint {
				entry.Endpoints = append(entry.Endpoints[:idx], entry.Endpoints[idx+1:]...)
				break
			}
		}
	}
}

func (p *PendingRequests) DropRoom(room jid.JID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if entry.Room.Equal(room) {
			delete(p.entries, id)
		}
	}
}

func (p *PendingRequests) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
