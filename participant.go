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
	"mellium.im/xmpp/jid"
)

// MsidStatus tracks the per-medium mute state of one media stream.
// A medium is "true" while media flows, "muted" while muted and empty when
// the stream doesn't carry that medium.
type MsidStatus struct {
	Audio string
	Video string
}

func (s *MsidStatus) set(medium string, value string) {
	switch medium {
	case ContentAudio:
		s.Audio = value
	case ContentVideo:
		s.Video = value
	}
}

func (s *MsidStatus) get(medium string) string {
	switch medium {
	case ContentAudio:
		return s.Audio
	case ContentVideo:
		return s.Video
	}
	return ""
}

type Participant struct {
	Real    jid.JID
	Nick    string
	Bridged bool

	// Channels maps content names to bridge-assigned channel ids (the SCTP
	// connection id for "data"). Ids are opaque, the focus never
	// synthesizes them.
	Channels map[string]string

	// Sources is the participant's current advertisement per medium.
	Sources map[string]SourceList

	Msids map[string]*MsidStatus
}

func newParticipant(real jid.JID, nick string, bridged bool) *Participant {
	return &Participant{
		Real:    real,
		Nick:    nick,
		Bridged: bridged,

		Channels: make(map[string]string),
		Sources:  make(map[string]SourceList),
		Msids:    make(map[string]*MsidStatus),
	}
}

func (p *Participant) HasSources() bool {
	for _, list := range p.Sources {
		if !list.Empty() {
			return true
		}
	}
	return false
}

// updateSources replaces the advertisement for every medium present in the
// parsed payload and recomputes the msid table, keeping mute state of msids
// that survive.
func (p *Participant) updateSources(parsed map[string]SourceList) {
	for medium, list := range parsed {
		p.Sources[medium] = list
	}
	p.refreshMsids()
}

// removeSources deletes matching entries and returns the per-medium delta
// that was actually removed.
func (p *Participant) removeSources(parsed map[string]SourceList) map[string]SourceList {
	removed := make(map[string]SourceList)
	for medium, list := range parsed {
		current := p.Sources[medium]
		delta := current.RemoveMatching(list)
		p.Sources[medium] = current
		if !delta.Empty() {
			removed[medium] = delta
		}
	}
	p.refreshMsids()
	return removed
}

func (p *Participant) refreshMsids() {
	msids := make(map[string]*MsidStatus)
	for medium, list := range p.Sources {
		if medium != ContentAudio && medium != ContentVideo {
			continue
		}
		for _, source := range list.Sources {
			msid := source.Msid()
			if msid == "" {
				continue
			}
			status, found := msids[msid]
			if !found {
				status = &MsidStatus{}
				msids[msid] = status
			}
			// Keep an existing mute.
			if old, had := p.Msids[msid]; had && old.get(medium) == MediaMuted {
				status.set(medium, MediaMuted)
			} else {
				status.set(medium, MediaActive)
			}
		}
	}
	p.Msids = msids
}

// setMuted updates the mute state of the given medium. With a non-empty
// msid list only those streams are affected, otherwise all of them.
func (p *Participant) setMuted(medium string, msids []string, muted bool) {
	value := MediaActive
	if muted {
		value = MediaMuted
	}

	apply := func(status *MsidStatus) {
		if status.get(medium) != "" {
			status.set(medium, value)
		}
	}

	if len(msids) == 0 {
		for _, status := range p.Msids {
			apply(status)
		}
		return
	}
	for _, msid := range msids {
		if status, found := p.Msids[msid]; found {
			apply(status)
		}
	}
}
