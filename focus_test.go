/**
 * Conference focus agent for multi-party XMPP calls.
 * Copyright (C) 2022 struktur AG
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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

func acceptPayload(sid string, msid string) *Jingle {
	return &Jingle{
		Action: ActionSessionAccept,
		SID:    sid,
		Contents: []JingleContent{
			{
				Creator: contentCreator,
				Name:    ContentAudio,
				Description: &RtpDescription{
					Media: ContentAudio,
					Sources: []Source{
						{SSRC: "1111", Parameters: []Parameter{{Name: "msid", Value: msid + " a0"}}},
					},
					RtcpMux: &struct{}{},
				},
				Transport: &IceUdpTransport{Ufrag: "cu", Pwd: "cp"},
			},
			{
				Creator: contentCreator,
				Name:    ContentVideo,
				Description: &RtpDescription{
					Media: ContentVideo,
					Sources: []Source{
						{SSRC: "2222", Parameters: []Parameter{{Name: "msid", Value: msid + " v0"}}},
						{SSRC: "2223", Parameters: []Parameter{{Name: "msid", Value: msid + " v0"}}},
					},
					SsrcGroups: []SsrcGroup{
						{Semantics: SemanticsFid, Sources: []Source{{SSRC: "2222"}, {SSRC: "2223"}}},
					},
				},
				Transport: &IceUdpTransport{Ufrag: "cu", Pwd: "cp"},
			},
		},
	}
}

func sendJingle(t *testing.T, f *Focus, room jid.JID, real jid.JID, j *Jingle) {
	t.Helper()
	iq := stanza.IQ{
		ID:   "client-req",
		Type: stanza.SetIQ,
		From: real,
		To:   room.Bare(),
	}
	require.True(t, f.HandleJingle(iq, j))
}

func TestFocus_SoloJoinBelowThreshold(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)

	join(t, f, room, "alice", jid.MustParse("alice@example.com/web"), true)

	assert.Empty(host.colibriRequests())
	assert.Empty(host.jingleRequests())
	messages := host.statusMessages()
	if assert.NotEmpty(messages) {
		assert.Equal(ModeP2P, messages[0].Conf.Mode)
	}
}

func TestFocus_SecondJoinCrossesThreshold(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")

	join(t, f, room, "alice", alice, true)
	host.reset()
	join(t, f, room, "bob", bob, true)

	// The second join announces relay mode.
	messages := host.statusMessages()
	if assert.NotEmpty(messages) {
		assert.Equal(ModeRelay, messages[0].Conf.Mode)
	}

	requests := host.colibriRequests()
	require.Len(t, requests, 1)
	request := requests[0]
	assert.Equal(testBridge, request.IQ.To.String())

	names := make([]string, 0, len(request.Conference.Contents))
	for _, content := range request.Conference.Contents {
		names = append(names, content.Name)
		if content.Name == ContentData {
			assert.Len(content.SctpConnections, 2)
		} else {
			assert.Len(content.Channels, 2)
		}
	}
	assert.Equal([]string{ContentAudio, ContentVideo, ContentData}, names)

	deliverBridgeReply(t, f, request, "conf-1")

	aliceOffers := host.jingleRequestsTo(alice)
	bobOffers := host.jingleRequestsTo(bob)
	require.Len(t, aliceOffers, 1)
	require.Len(t, bobOffers, 1)
	assert.Equal(ActionSessionInitiate, aliceOffers[0].Jingle.Action)
	assert.Equal(ActionSessionInitiate, bobOffers[0].Jingle.Action)
	assert.NotEqual(aliceOffers[0].Jingle.SID, bobOffers[0].Jingle.SID)

	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.Equal(ConferenceAssigned, r.state)
	assert.Equal("conf-1", r.conferenceID)
	assert.Len(r.sessions, 2)
	assert.Contains(r.sessions, "alice")
	assert.Contains(r.sessions, "bob")
	// Distinct bridge-assigned channel ids per endpoint.
	assert.NotEqual(r.participants["alice"].Channels[ContentAudio], r.participants["bob"].Channels[ContentAudio])
	f.mu.Unlock()
}

func TestFocus_JoinDuringPendingCreate(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	carol := jid.MustParse("carol@example.com/web")

	join(t, f, room, "alice", jid.MustParse("alice@example.com/web"), true)
	join(t, f, room, "bob", jid.MustParse("bob@example.com/web"), true)
	join(t, f, room, "carol", carol, true)

	requests := host.colibriRequests()
	require.Len(t, requests, 1)
	first := requests[0]

	var endpoints []string
	for _, channel := range first.Conference.Contents[0].Channels {
		endpoints = append(endpoints, channel.Endpoint)
	}
	assert.Equal([]string{"alice", "bob"}, endpoints)

	deliverBridgeReply(t, f, first, "conf-1")

	// The queued join triggers a follow-up request for carol only.
	requests = host.colibriRequests()
	require.Len(t, requests, 2)
	second := requests[1]
	assert.Equal("conf-1", second.Conference.ID)
	endpoints = nil
	for _, channel := range second.Conference.Contents[0].Channels {
		endpoints = append(endpoints, channel.Endpoint)
	}
	assert.Equal([]string{"carol"}, endpoints)

	deliverBridgeReply(t, f, second, "conf-1")
	require.Len(t, host.jingleRequestsTo(carol), 1)
	assert.Equal(ActionSessionInitiate, host.jingleRequestsTo(carol)[0].Jingle.Action)
}

func TestFocus_SourceAdvertiseFanOut(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", bob, true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")

	var aliceSid string
	f.mu.Lock()
	aliceSid = f.getRoom(room).sessions["alice"]
	f.mu.Unlock()
	host.reset()

	sendJingle(t, f, room, alice, acceptPayload(aliceSid, "m1"))

	// Bob gets the delta, alice never sees her own sources.
	bobAdds := host.jingleRequestsTo(bob)
	require.Len(t, bobAdds, 1)
	add := bobAdds[0].Jingle
	assert.Equal(ActionSourceAdd, add.Action)
	require.Len(t, add.Contents, 2)
	assert.Equal(ContentAudio, add.Contents[0].Name)
	assert.Equal("1111", add.Contents[0].Description.Sources[0].SSRC)
	assert.Equal(ContentVideo, add.Contents[1].Name)
	require.Len(t, add.Contents[1].Description.SsrcGroups, 1)
	assert.Equal(SemanticsFid, add.Contents[1].Description.SsrcGroups[0].Semantics)
	assert.Empty(host.jingleRequestsTo(alice))

	// The bridge got a channel update for alice's channels.
	updates := host.colibriRequests()
	require.Len(t, updates, 1)
	assert.Equal("conf-1", updates[0].Conference.ID)

	// Presence was republished with the fresh media metadata.
	assert.Equal([]string{room.Bare().String() + "/alice"}, host.republished)
	f.mu.Lock()
	status := f.getRoom(room).participants["alice"].Msids["m1"]
	f.mu.Unlock()
	require.NotNil(t, status)
	assert.Equal(MediaActive, status.Audio)
	assert.Equal(MediaActive, status.Video)
}

func TestFocus_MuteViaSessionInfo(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", bob, true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")

	var aliceSid string
	f.mu.Lock()
	aliceSid = f.getRoom(room).sessions["alice"]
	f.mu.Unlock()
	sendJingle(t, f, room, alice, acceptPayload(aliceSid, "m1"))
	host.reset()

	sendJingle(t, f, room, alice, &Jingle{
		Action: ActionSessionInfo,
		SID:    aliceSid,
		Mute:   &MuteInfo{Name: ContentAudio},
		MediaStreams: []MediaStream{
			{MSID: "m1"},
		},
	})

	f.mu.Lock()
	status := f.getRoom(room).participants["alice"].Msids["m1"]
	f.mu.Unlock()
	require.NotNil(t, status)
	assert.Equal(MediaMuted, status.Audio)
	assert.Equal(MediaActive, status.Video)
	assert.Equal([]string{room.Bare().String() + "/alice"}, host.republished)
	// Mute state changes are presence-only, no Jingle fan-out.
	assert.Empty(host.jingleRequests())

	// A mediastream presence update now shows the muted state.
	presence := &OccupantPresence{
		Presence: stanza.Presence{
			From: occupantJid(t, room, "alice"),
			To:   room.Bare(),
		},
		MediaStreams: []MediaStream{{MSID: "stale", Audio: "true"}},
	}
	f.HandleOccupantPreChange(room, "alice", presence)
	require.Len(t, presence.MediaStreams, 1)
	assert.Equal("m1", presence.MediaStreams[0].MSID)
	assert.Equal(MediaMuted, presence.MediaStreams[0].Audio)
	assert.Equal(MediaActive, presence.MediaStreams[0].Video)
}

func TestFocus_LeaveWithSources(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")
	carol := jid.MustParse("carol@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", bob, true)
	join(t, f, room, "carol", carol, true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")
	deliverBridgeReply(t, f, host.colibriRequests()[1], "conf-1")

	var aliceSid string
	f.mu.Lock()
	aliceSid = f.getRoom(room).sessions["alice"]
	f.mu.Unlock()
	sendJingle(t, f, room, alice, acceptPayload(aliceSid, "m1"))
	host.reset()

	f.HandleOccupantLeft(room, "alice")

	for _, member := range []jid.JID{bob, carol} {
		removes := host.jingleRequestsTo(member)
		require.Len(t, removes, 1)
		assert.Equal(ActionSourceRemove, removes[0].Jingle.Action)
	}

	expires := host.colibriRequests()
	require.Len(t, expires, 1)
	expire := expires[0].Conference
	assert.Equal("conf-1", expire.ID)
	for _, content := range expire.Contents {
		for _, channel := range content.Channels {
			require.NotNil(t, channel.Expire)
			assert.Equal(0, *channel.Expire)
			assert.Equal("alice", channel.Endpoint)
		}
		for _, conn := range content.SctpConnections {
			require.NotNil(t, conn.Expire)
			assert.Equal(0, *conn.Expire)
		}
	}

	// Two capable participants remain, the room stays active.
	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.Equal(ConferenceAssigned, r.state)
	assert.Len(r.sessions, 2)
	f.mu.Unlock()
}

func TestFocus_TeardownBelowThreshold(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", bob, true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")
	host.reset()

	f.HandleOccupantLeft(room, "alice")

	// The room is switched back to peer-to-peer.
	messages := host.statusMessages()
	require.Len(t, messages, 1)
	assert.Equal(ModeP2P, messages[0].Conf.Mode)
	assert.Equal(stanza.GroupChatMessage, messages[0].Message.Type)

	// The remaining session member is terminated with reason success.
	terminates := host.jingleRequestsTo(bob)
	var terminated []*JingleIQ
	for _, iq := range terminates {
		if iq.Jingle.Action == ActionSessionTerminate {
			terminated = append(terminated, iq)
		}
	}
	require.Len(t, terminated, 1)
	require.NotNil(t, terminated[0].Jingle.Reason)
	assert.NotNil(terminated[0].Jingle.Reason.Success)

	// Two expire requests: one for the leaver's channels, one sweeping the
	// rest of the conference during teardown.
	expires := host.colibriRequests()
	require.Len(t, expires, 2)
	seen := make(map[string]bool)
	for _, request := range expires {
		for _, content := range request.Conference.Contents {
			for _, channel := range content.Channels {
				require.NotNil(t, channel.Expire)
				assert.Equal(0, *channel.Expire)
				seen[channel.Endpoint] = true
			}
		}
	}
	assert.True(seen["alice"])
	assert.True(seen["bob"])

	// Conference state is cleared while the remaining occupant stays
	// tracked.
	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.Equal(ConferenceAbsent, r.state)
	assert.Empty(r.conferenceID)
	assert.Empty(r.bridge)
	assert.Empty(r.sessions)
	assert.Len(r.participants, 1)
	f.mu.Unlock()

	// Teardown is idempotent.
	host.reset()
	f.mu.Lock()
	f.destroyRoom(f.getRoom(room))
	f.mu.Unlock()
	assert.Empty(host.colibriRequests())
	assert.Empty(host.jingleRequests())

	f.HandleOccupantLeft(room, "bob")
	f.mu.Lock()
	assert.Nil(f.getRoom(room))
	f.mu.Unlock()
}

func TestFocus_KnowsOccupant(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, _ := newFocusForTest(t, testConfig())
	room := testRoom(t)

	assert.False(f.KnowsOccupant(room, "alice"))

	join(t, f, room, "alice", jid.MustParse("alice@example.com/web"), true)
	assert.True(f.KnowsOccupant(room, "alice"))
	assert.False(f.KnowsOccupant(room, "bob"))

	f.HandleOccupantLeft(room, "alice")
	assert.False(f.KnowsOccupant(room, "alice"))
}

func TestFocus_DuplicateSessionRejected(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", jid.MustParse("bob@example.com/web"), true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")
	host.reset()

	p := joinPresence(t, room, "alice2", alice, true)
	assert.True(f.HandlePreJoin(room, p))

	rejections := host.errorPresences()
	require.Len(t, rejections, 1)
	assert.Equal(stanza.Modify, rejections[0].Error.Type)
	assert.Equal(stanza.ResourceConstraint, rejections[0].Error.Condition)
	assert.True(rejections[0].To.Equal(alice))
}

func TestFocus_StaleBridgeReplyDropped(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())

	iq := stanza.IQ{
		ID:   "no-such-request",
		Type: stanza.ResultIQ,
		From: jid.MustParse(testBridge),
	}
	assert.True(f.HandleColibriReply(iq, &ColibriConference{ID: "conf-x"}))
	assert.Empty(host.jingleRequests())
	assert.Empty(host.colibriRequests())
}

func TestFocus_SessionTerminateActsAsLeave(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")
	carol := jid.MustParse("carol@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", bob, true)
	join(t, f, room, "carol", carol, true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")
	deliverBridgeReply(t, f, host.colibriRequests()[1], "conf-1")

	var aliceSid string
	f.mu.Lock()
	aliceSid = f.getRoom(room).sessions["alice"]
	f.mu.Unlock()
	host.reset()

	sendJingle(t, f, room, alice, &Jingle{
		Action: ActionSessionTerminate,
		SID:    aliceSid,
		Reason: &Reason{Success: &struct{}{}},
	})

	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.NotContains(r.sessions, "alice")
	assert.NotContains(r.participants, "alice")
	assert.Len(r.sessions, 2)
	f.mu.Unlock()

	// Channels of the terminated session are expired.
	expires := host.colibriRequests()
	require.Len(t, expires, 1)
}

func TestFocus_AllocationTimeoutRetries(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)

	// Two live bridges, the second more loaded.
	f.selector.Update(BridgeStats{Bridge: testBridge, UploadBitrate: 10, Timestamp: time.Now()})
	f.selector.Update(BridgeStats{Bridge: testAltBridge, UploadBitrate: 20, Timestamp: time.Now()})

	join(t, f, room, "alice", jid.MustParse("alice@example.com/web"), true)
	join(t, f, room, "bob", jid.MustParse("bob@example.com/web"), true)

	requests := host.colibriRequests()
	require.Len(t, requests, 1)
	assert.Equal(testBridge, requests[0].IQ.To.String())

	// The reply never arrives; the timeout downgrades the bridge and
	// reissues the allocation on the next best one.
	f.allocationExpired(room, requests[0].IQ.ID)

	requests = host.colibriRequests()
	require.Len(t, requests, 2)
	assert.Equal(testAltBridge, requests[1].IQ.To.String())

	deliverBridgeReply(t, f, requests[1], "conf-2")
	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.Equal(ConferenceAssigned, r.state)
	assert.Equal(testAltBridge, r.bridge)
	assert.Len(r.sessions, 2)
	f.mu.Unlock()
}

func TestFocus_BridgeErrorResetsPending(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	f, host := newFocusForTest(t, testConfig())
	room := testRoom(t)

	join(t, f, room, "alice", jid.MustParse("alice@example.com/web"), true)
	join(t, f, room, "bob", jid.MustParse("bob@example.com/web"), true)

	requests := host.colibriRequests()
	require.Len(t, requests, 1)

	iq := stanza.IQ{
		ID:   requests[0].IQ.ID,
		Type: stanza.ErrorIQ,
		From: jid.MustParse(testBridge),
	}
	assert.True(f.HandleColibriError(iq, &stanza.Error{Condition: stanza.ServiceUnavailable}))

	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.Equal(ConferenceAbsent, r.state)
	assert.Empty(r.bridge)
	f.mu.Unlock()

	// The next join retries the allocation.
	join(t, f, room, "carol", jid.MustParse("carol@example.com/web"), true)
	assert.Len(host.colibriRequests(), 2)
}

func TestFocus_LingerDeferredTeardown(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	config := testConfig()
	config.LingerTime = time.Hour
	f, host := newFocusForTest(t, config)
	room := testRoom(t)
	alice := jid.MustParse("alice@example.com/web")
	bob := jid.MustParse("bob@example.com/web")

	join(t, f, room, "alice", alice, true)
	join(t, f, room, "bob", bob, true)
	deliverBridgeReply(t, f, host.colibriRequests()[0], "conf-1")
	host.reset()

	f.HandleOccupantLeft(room, "alice")

	// Teardown is deferred, nothing is terminated yet.
	assert.Empty(host.statusMessages())
	f.mu.Lock()
	r := f.getRoom(room)
	require.NotNil(t, r)
	assert.NotNil(r.lingerTimer)
	f.mu.Unlock()

	// The count recovered before the linger expired, teardown is skipped.
	join(t, f, room, "carol", jid.MustParse("carol@example.com/web"), true)
	f.lingerExpired(room)
	f.mu.Lock()
	r = f.getRoom(room)
	require.NotNil(t, r)
	assert.Equal(ConferenceAssigned, r.state)
	f.mu.Unlock()
}
