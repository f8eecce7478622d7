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

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Host is the seam to the hosting XMPP server. It routes stanzas, owns the
// occupant records and broadcasts presence; the focus only feeds it.
// Sends are non-blocking enqueues.
type Host interface {
	SendStanza(v any) error

	// RepublishPresence asks the host to rebroadcast the occupant's
	// presence. The broadcast passes through HandleOccupantPreChange,
	// which stamps the current media metadata.
	RepublishPresence(room jid.JID, nick string) error
}

// Focus is the conference focus state machine. It consumes room events and
// inbound stanzas, mutates per-room state and emits stanzas towards the
// bridge and the clients.
//
// Every entry point runs as one turn: the mutex is taken for the whole
// event, giving run-to-completion semantics for all per-room mutations.
// Timers re-enter through the same mutex.
type Focus struct {
	logger  *zap.Logger
	host    Host
	address jid.JID

	selector *BridgeSelector
	ingester *StatsIngester
	pending  *PendingRequests

	mu sync.Mutex
	// +checklocks:mu
	config *Config
	// +checklocks:mu
	rooms map[string]*Room

	now func() time.Time

	subscribeTimer *time.Timer
}

func NewFocus(logger *zap.Logger, host Host, address jid.JID, config *Config, events NatsClient) (*Focus, error) {
	selector, err := NewBridgeSelector(logger, events, config)
	if err != nil {
		return nil, err
	}

	RegisterFocusStats()
	return &Focus{
		logger:  logger.With(zap.String("component", "focus")),
		host:    host,
		address: address,

		selector: selector,
		ingester: NewStatsIngester(logger, events),
		pending:  NewPendingRequests(),

		config: config,
		rooms:  make(map[string]*Room),

		now: time.Now,
	}, nil
}

// Start issues the statistics subscription once, after a short delay to
// allow hosts to initialize.
func (f *Focus) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.config.PubSubService == "" || f.subscribeTimer != nil {
		return
	}

	f.subscribeTimer = time.AfterFunc(f.config.SubscribeDelay, f.subscribeStats)
}

func (f *Focus) subscribeStats() {
	f.mu.Lock()
	service, err := jid.Parse(f.config.PubSubService)
	node := f.config.PubSubNode
	f.mu.Unlock()
	if err != nil {
		f.logger.Error("Invalid pubsub service",
			zap.Error(err),
		)
		return
	}

	iq := BuildPubSubSubscribe(service, node, f.address)
	iq.IQ.ID = uuid.NewString()
	if err := f.host.SendStanza(iq); err != nil {
		f.logger.Error("Could not subscribe to bridge statistics",
			zap.Stringer("service", service),
			zap.Error(err),
		)
	}
}

func (f *Focus) Stop() {
	f.mu.Lock()
	if f.subscribeTimer != nil {
		f.subscribeTimer.Stop()
		f.subscribeTimer = nil
	}
	for _, r := range f.rooms {
		r.stopLinger()
		r.stopAllocTimer()
	}
	f.mu.Unlock()
	f.selector.Close()
}

// Reload swaps in a new configuration snapshot, used from the next turn on,
// and passes it to the bridge selector. An already issued statistics
// subscription is not renewed.
func (f *Focus) Reload(config *Config) {
	f.mu.Lock()
	f.config = config
	f.mu.Unlock()
	f.selector.Reload(config)
}

func (f *Focus) Selector() *BridgeSelector {
	return f.selector
}

// +checklocks:f.mu
func (f *Focus) getRoom(room jid.JID) *Room {
	return f.rooms[room.Bare().String()]
}

// +checklocks:f.mu
func (f *Focus) getOrCreateRoom(room jid.JID) *Room {
	key := room.Bare().String()
	r, found := f.rooms[key]
	if !found {
		r = NewRoom(room.Bare(), f.logger)
		f.rooms[key] = r
		statsRoomsCurrent.Inc()
	}
	return r
}

// +checklocks:f.mu
func (f *Focus) removeRoom(r *Room) {
	key := r.id.Bare().String()
	if _, found := f.rooms[key]; found {
		delete(f.rooms, key)
		statsRoomsCurrent.Dec()
	}
}

func (f *Focus) send(v any) {
	if err := f.host.SendStanza(v); err != nil {
		f.logger.Error("Could not send stanza",
			zap.Error(err),
		)
	}
}

// +checklocks:f.mu
func (f *Focus) broadcastMode(room jid.JID, mode string) {
	broadcast := &StatusMessage{
		Message: stanza.Message{
			To:   room.Bare(),
			From: f.address,
			Type: stanza.GroupChatMessage,
		},
		Conf: ConfElement{Mode: mode},
	}
	f.send(broadcast)
}

// HandlePreJoin is invoked before an occupant join is broadcast. It
// announces the room mode the join will result in and rejects duplicate
// sessions. Returns true when the join was rejected and the event is
// swallowed.
func (f *Focus) HandlePreJoin(room jid.JID, presence *OccupantPresence) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.getRoom(room)
	if r != nil && r.hasSessionFor(presence.From) && r.nickByReal(presence.From) != presence.To.Resourcepart() {
		reject := &ErrorPresence{
			Presence: stanza.Presence{
				To:   presence.From,
				From: presence.To,
				Type: stanza.ErrorPresence,
			},
			Error: stanza.Error{
				Type:      stanza.Modify,
				Condition: stanza.ResourceConstraint,
			},
		}
		f.send(reject)
		r.logger.Info("Rejected duplicate session",
			zap.Stringer("from", presence.From),
		)
		return true
	}

	capable := 0
	if r != nil {
		capable = r.capableCount()
	}
	if presence.Bridged() && (r == nil || r.nickByReal(presence.From) == "") {
		capable++
	}

	mode := ModeP2P
	if capable >= f.config.MinParticipants {
		mode = ModeRelay
	}
	f.broadcastMode(room, mode)

	unicast := &StatusMessage{
		Message: stanza.Message{
			To:   presence.From,
			From: f.address,
			Type: stanza.NormalMessage,
		},
		Conf: ConfElement{Mode: mode},
	}
	f.send(unicast)
	return false
}

// HandleOccupantJoined is invoked after the host materialized the occupant
// record.
func (f *Focus) HandleOccupantJoined(room jid.JID, nick string, real jid.JID, presence *OccupantPresence) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.getOrCreateRoom(room)
	p := r.addParticipant(real, nick, presence.Bridged())
	if !p.Bridged {
		return
	}

	if r.capableCount() < f.config.MinParticipants {
		return
	}
	r.stopLinger()

	if r.state == ConferencePending {
		// Creation is in flight, queue the join for the follow-up update.
		r.pendingJoin = append(r.pendingJoin, nick)
		return
	}

	f.allocate(r)
}

// allocate requests channels for every capable participant without an
// active session.
// +checklocks:f.mu
func (f *Focus) allocate(r *Room) {
	targets := r.capableWithoutSession()
	if len(targets) == 0 {
		return
	}

	if r.bridge == "" {
		r.bridge = f.selector.SelectBridge()
		if r.bridge == "" {
			statsAllocationFailuresTotal.Inc()
			r.logger.Error("No bridge available for allocation")
			return
		}
		r.logger.Info("Selected bridge",
			zap.String("bridge", r.bridge),
		)
	}

	bridge, err := jid.Parse(r.bridge)
	if err != nil {
		statsAllocationFailuresTotal.Inc()
		r.logger.Error("Invalid bridge id",
			zap.String("bridge", r.bridge),
			zap.Error(err),
		)
		return
	}

	from, err := EncodeRoomAddress(r.id)
	if err != nil {
		statsAllocationFailuresTotal.Inc()
		r.logger.Error("Could not encode room address",
			zap.Error(err),
		)
		return
	}

	requestID := uuid.NewString()
	request := &ColibriIQ{
		IQ: stanza.IQ{
			ID:   requestID,
			Type: stanza.SetIQ,
			To:   bridge,
			From: from,
		},
		Conference: BuildConferenceCreate(f.config, r.conferenceID, targets),
	}

	f.pending.Add(requestID, r.id, targets, f.now())
	if r.state == ConferenceAbsent {
		r.state = ConferencePending
	}

	r.stopAllocTimer()
	roomID := r.id
	r.allocTimer = time.AfterFunc(f.config.AllocationExpiry, func() {
		f.allocationExpired(roomID, requestID)
	})

	r.logger.Debug("Requesting channels",
		zap.String("request", requestID),
		zap.Strings("endpoints", targets),
	)
	f.send(request)
}

// allocationExpired abandons a bridge request that never got a reply: the
// bridge is downgraded and the allocation reissued, possibly on another
// bridge.
func (f *Focus) allocationExpired(room jid.JID, requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, found := f.pending.Take(requestID)
	if !found {
		// Reply arrived in the meantime.
		return
	}

	r := f.getRoom(room)
	if r == nil {
		return
	}

	statsAllocationFailuresTotal.Inc()
	r.logger.Warn("Allocation timed out",
		zap.String("request", requestID),
		zap.String("bridge", r.bridge),
		zap.Strings("endpoints", entry.Endpoints),
	)
	f.selector.MarkUnhealthy(r.bridge)
	r.stopAllocTimer()

	if r.state == ConferencePending {
		r.state = ConferenceAbsent
		r.bridge = ""
	}
	r.pendingJoin = nil

	f.allocate(r)
}

// HandleColibriReply consumes a conference result from the bridge. Replies
// without a matching correlation entry are stale and dropped.
func (f *Focus) HandleColibriReply(iq stanza.IQ, conference *ColibriConference) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, found := f.pending.Take(iq.ID)
	if !found {
		f.logger.Debug("Dropping stale bridge reply",
			zap.String("id", iq.ID),
		)
		return true
	}

	r := f.getRoom(entry.Room)
	if r == nil {
		// Room already destroyed.
		return true
	}

	if iq.From.String() != "" && iq.From.Bare().String() != r.bridge {
		r.logger.Warn("Dropping reply from unexpected bridge",
			zap.Stringer("from", iq.From),
			zap.String("bridge", r.bridge),
		)
		return true
	}

	r.stopAllocTimer()
	if r.state != ConferenceAssigned {
		r.state = ConferenceAssigned
		statsConferencesTotal.Inc()
	}
	if conference.ID != "" {
		r.conferenceID = conference.ID
	}

	allocations := ParseConferenceAllocations(conference)
	for _, nick := range entry.Endpoints {
		p, found := r.participants[nick]
		if !found {
			// Left while the request was in flight.
			continue
		}

		alloc, found := allocations[nick]
		if !found {
			r.logger.Warn("No channels allocated for endpoint",
				zap.String("endpoint", nick),
			)
			continue
		}

		sid := uuid.NewString()
		offer, err := BuildSessionInitiate(f.config, sid, r.id.String(), p.Real.String(), alloc, r.remoteSources(nick))
		if err != nil {
			r.logger.Error("Could not build offer",
				zap.String("endpoint", nick),
				zap.Error(err),
			)
			continue
		}

		p.Channels = alloc.Channels
		r.sessions[nick] = sid
		statsSessionsCurrent.Inc()

		request := &JingleIQ{
			IQ: stanza.IQ{
				ID:   uuid.NewString(),
				Type: stanza.SetIQ,
				To:   p.Real,
				From: r.id,
			},
			Jingle: *offer,
		}
		f.send(request)
	}

	if len(r.pendingJoin) > 0 {
		r.pendingJoin = nil
		f.allocate(r)
	}
	return true
}

// HandleColibriError consumes an error reply from the bridge. The bridge is
// downgraded and the pending state reset so a later join retries.
func (f *Focus) HandleColibriError(iq stanza.IQ, serr *stanza.Error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, found := f.pending.Take(iq.ID)
	if !found {
		return true
	}

	r := f.getRoom(entry.Room)
	if r == nil {
		return true
	}

	statsAllocationFailuresTotal.Inc()
	r.logger.Warn("Bridge returned error",
		zap.String("bridge", r.bridge),
		zap.Any("error", serr),
	)
	f.selector.MarkUnhealthy(r.bridge)
	r.stopAllocTimer()

	if r.state == ConferencePending {
		r.state = ConferenceAbsent
		r.bridge = ""
		r.pendingJoin = nil
	}
	return true
}

// HandleJingle consumes a Jingle request from a client. Returns whether the
// event was consumed; the sender receives an empty success ack.
func (f *Focus) HandleJingle(iq stanza.IQ, j *Jingle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.getRoom(iq.To)
	if r == nil {
		return false
	}

	nick := r.nickByReal(iq.From)
	if nick == "" {
		return false
	}
	p := r.participants[nick]

	switch j.Action {
	case ActionSessionAccept, ActionSourceAdd, ActionSourceRemove:
		f.handleSources(r, nick, p, j)
	case ActionSessionInfo:
		f.handleSessionInfo(r, nick, p, j)
	case ActionSessionTerminate:
		f.handleLeft(r, nick)
	default:
		r.logger.Debug("Unsupported jingle action",
			zap.String("action", j.Action),
			zap.String("endpoint", nick),
		)
		return false
	}

	ack := stanza.IQ{
		ID:   iq.ID,
		Type: stanza.ResultIQ,
		To:   iq.From,
		From: iq.To,
	}
	f.send(ack)
	return true
}

// parseJingleSources collects the per-content source lists of a payload.
func parseJingleSources(contents []JingleContent) map[string]SourceList {
	result := make(map[string]SourceList)
	for _, content := range contents {
		if content.Description == nil {
			continue
		}
		name := content.Name
		if name == "" {
			name = content.Description.Media
		}
		list := result[name]
		list.Sources = append(list.Sources, content.Description.Sources...)
		list.Groups = append(list.Groups, content.Description.SsrcGroups...)
		result[name] = list
	}
	return result
}

// +checklocks:f.mu
func (f *Focus) handleSources(r *Room, nick string, p *Participant, j *Jingle) {
	parsed := parseJingleSources(j.Contents)

	action := ActionSourceAdd
	var delta map[string]SourceList
	if j.Action == ActionSourceRemove {
		action = ActionSourceRemove
		delta = p.removeSources(parsed)
	} else {
		p.updateSources(parsed)
		delta = parsed
	}

	// Publish fresh media metadata before peers act on the sources.
	if err := f.host.RepublishPresence(r.id, nick); err != nil {
		r.logger.Error("Could not republish presence",
			zap.String("endpoint", nick),
			zap.Error(err),
		)
	}

	f.updateBridgeChannels(r, nick, p, j.Contents)
	f.fanOutSources(r, nick, action, delta)
}

// updateBridgeChannels translates the sender's contents into a conference
// update for its channels.
// +checklocks:f.mu
func (f *Focus) updateBridgeChannels(r *Room, nick string, p *Participant, contents []JingleContent) {
	if r.conferenceID == "" || len(p.Channels) == 0 {
		return
	}

	conference := BuildConferenceUpdate(r.conferenceID, nick, p.Channels, contents)
	if len(conference.Contents) == 0 {
		return
	}

	bridge, err := jid.Parse(r.bridge)
	if err != nil {
		r.logger.Error("Invalid bridge id",
			zap.String("bridge", r.bridge),
			zap.Error(err),
		)
		return
	}
	from, err := EncodeRoomAddress(r.id)
	if err != nil {
		r.logger.Error("Could not encode room address",
			zap.Error(err),
		)
		return
	}

	request := &ColibriIQ{
		IQ: stanza.IQ{
			ID:   uuid.NewString(),
			Type: stanza.SetIQ,
			To:   bridge,
			From: from,
		},
		Conference: conference,
	}
	f.send(request)
}

// fanOutSources delivers a source delta to every other session member.
// +checklocks:f.mu
func (f *Focus) fanOutSources(r *Room, from string, action string, sources map[string]SourceList) {
	empty := true
	for _, list := range sources {
		if !list.Empty() {
			empty = false
			break
		}
	}
	if empty {
		return
	}

	for _, member := range r.sessionMembers() {
		if member == from {
			continue
		}

		notify := BuildSourceNotify(action, r.sessions[member], r.id.String(), sources)
		if len(notify.Contents) == 0 {
			continue
		}
		request := &JingleIQ{
			IQ: stanza.IQ{
				ID:   uuid.NewString(),
				Type: stanza.SetIQ,
				To:   r.participants[member].Real,
				From: r.id,
			},
			Jingle: *notify,
		}
		f.send(request)
	}
}

// +checklocks:f.mu
func (f *Focus) handleSessionInfo(r *Room, nick string, p *Participant, j *Jingle) {
	var medium string
	var muted bool
	switch {
	case j.Mute != nil:
		medium = j.Mute.Name
		muted = true
	case j.Unmute != nil:
		medium = j.Unmute.Name
	default:
		return
	}

	var msids []string
	for _, stream := range j.MediaStreams {
		msids = append(msids, stream.MSID)
	}

	if medium == "" {
		p.setMuted(ContentAudio, msids, muted)
		p.setMuted(ContentVideo, msids, muted)
	} else {
		p.setMuted(medium, msids, muted)
	}

	if err := f.host.RepublishPresence(r.id, nick); err != nil {
		r.logger.Error("Could not republish presence",
			zap.String("endpoint", nick),
			zap.Error(err),
		)
	}
}

// HandleOccupantLeft is invoked when an occupant leaves the room.
func (f *Focus) HandleOccupantLeft(room jid.JID, nick string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.getRoom(room)
	if r == nil {
		return
	}
	f.handleLeft(r, nick)
}

// +checklocks:f.mu
func (f *Focus) handleLeft(r *Room, nick string) {
	f.pending.RemoveEndpoint(r.id, nick)

	p := r.removeParticipant(nick)
	if p == nil {
		return
	}

	if _, found := r.sessions[nick]; found {
		f.dropSession(r, nick, p)
	}

	hasConference := r.state != ConferenceAbsent || len(r.sessions) > 0
	if hasConference && r.capableCount() < f.config.MinParticipants {
		f.scheduleDestroy(r)
		return
	}

	if len(r.participants) == 0 {
		f.removeRoom(r)
	}
}

// dropSession removes the endpoint's session, withdraws its sources from
// the other members and expires its channels.
// +checklocks:f.mu
func (f *Focus) dropSession(r *Room, nick string, p *Participant) {
	delete(r.sessions, nick)
	statsSessionsCurrent.Dec()

	f.fanOutSources(r, nick, ActionSourceRemove, p.Sources)

	if r.conferenceID != "" && len(p.Channels) > 0 {
		f.expireChannels(r, map[string]map[string]string{nick: p.Channels})
	}
}

// +checklocks:f.mu
func (f *Focus) expireChannels(r *Room, channels map[string]map[string]string) {
	bridge, err := jid.Parse(r.bridge)
	if err != nil {
		r.logger.Error("Invalid bridge id",
			zap.String("bridge", r.bridge),
			zap.Error(err),
		)
		return
	}
	from, err := EncodeRoomAddress(r.id)
	if err != nil {
		r.logger.Error("Could not encode room address",
			zap.Error(err),
		)
		return
	}

	request := &ColibriIQ{
		IQ: stanza.IQ{
			ID:   uuid.NewString(),
			Type: stanza.SetIQ,
			To:   bridge,
			From: from,
		},
		Conference: BuildConferenceExpire(r.conferenceID, channels),
	}
	f.send(request)
}

// scheduleDestroy tears the room down, deferred by the configured linger
// time.
// +checklocks:f.mu
func (f *Focus) scheduleDestroy(r *Room) {
	if linger := f.config.LingerTime; linger > 0 {
		r.stopLinger()
		roomID := r.id
		r.lingerTimer = time.AfterFunc(linger, func() {
			f.lingerExpired(roomID)
		})
		r.logger.Info("Scheduled teardown",
			zap.Duration("linger", linger),
		)
		return
	}

	f.destroyRoom(r)
}

func (f *Focus) lingerExpired(room jid.JID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.getRoom(room)
	if r == nil {
		return
	}
	r.lingerTimer = nil
	f.destroyRoom(r)
}

// destroyRoom switches the room back to peer-to-peer, terminates the
// remaining sessions, expires all channels in one request and clears the
// room state. Destroying twice is the same as destroying once.
// +checklocks:f.mu
func (f *Focus) destroyRoom(r *Room) {
	// The count may have recovered while a teardown was lingering.
	if r.capableCount() >= f.config.MinParticipants {
		return
	}

	if r.state == ConferenceAbsent && len(r.sessions) == 0 && r.conferenceID == "" {
		// Already torn down.
		if len(r.participants) == 0 {
			f.removeRoom(r)
		}
		return
	}

	r.logger.Info("Destroying room")
	f.broadcastMode(r.id, ModeP2P)

	for _, member := range r.sessionMembers() {
		terminate := BuildSessionTerminate(r.sessions[member], r.id.String())
		request := &JingleIQ{
			IQ: stanza.IQ{
				ID:   uuid.NewString(),
				Type: stanza.SetIQ,
				To:   r.participants[member].Real,
				From: r.id,
			},
			Jingle: *terminate,
		}
		f.send(request)
		statsSessionsCurrent.Dec()
	}
	r.sessions = make(map[string]string)

	if r.conferenceID != "" {
		if channels := r.allChannels(); len(channels) > 0 {
			f.expireChannels(r, channels)
		}
	}

	f.pending.DropRoom(r.id)
	r.stopLinger()
	r.stopAllocTimer()
	r.state = ConferenceAbsent
	r.conferenceID = ""
	r.bridge = ""
	r.pendingJoin = nil

	// Occupants may still be in the room; only their conference state is
	// gone.
	for _, p := range r.participants {
		p.Channels = make(map[string]string)
		p.Sources = make(map[string]SourceList)
		p.Msids = make(map[string]*MsidStatus)
	}
	if len(r.participants) == 0 {
		f.removeRoom(r)
	}
}

// KnowsOccupant reports whether the focus tracks the given occupant.
func (f *Focus) KnowsOccupant(room jid.JID, nick string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.getRoom(room)
	if r == nil {
		return false
	}
	_, found := r.participants[nick]
	return found
}

// HandleOccupantPreChange re-stamps an outgoing occupant presence with the
// authoritative media metadata. Not called for unavailable presence.
func (f *Focus) HandleOccupantPreChange(room jid.JID, nick string, presence *OccupantPresence) {
	f.mu.Lock()
	defer f.mu.Unlock()

	presence.MediaStreams = nil
	r := f.getRoom(room)
	if r == nil {
		return
	}
	p, found := r.participants[nick]
	if !found {
		return
	}
	presence.StampMediaStreams(p.Msids)
}

// HandleHeadline consumes a message from the statistics feed. Messages not
// originating from the configured service and node are left alone.
func (f *Focus) HandleHeadline(msg *PubSubMessage) bool {
	f.mu.Lock()
	service := f.config.PubSubService
	node := f.config.PubSubNode
	f.mu.Unlock()

	if service == "" || msg.From.Bare().String() != service {
		return false
	}
	if msg.Event == nil || msg.Event.Items == nil || msg.Event.Items.Node != node {
		return false
	}

	return f.ingester.HandleHeadline(msg)
}
