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

// Builders are pure: they never touch room state, so a failed build leaves
// nothing half-mutated.

// BuildConferenceCreate produces the conference element allocating channels
// for the given endpoints. With an empty conference id the bridge creates a
// new conference, otherwise the listed endpoints are added to the existing
// one.
func BuildConferenceCreate(config *Config, conferenceID string, endpoints []string) ColibriConference {
	conference := ColibriConference{
		ID: conferenceID,
	}

	initiator := true
	names := []string{ContentAudio, ContentVideo}
	for _, name := range names {
		content := ColibriContent{
			Name: name,
		}
		for _, endpoint := range endpoints {
			channel := ColibriChannel{
				Endpoint:  endpoint,
				Initiator: &initiator,
			}
			if config.UseBundle {
				channel.ChannelBundleID = endpoint
			}
			content.Channels = append(content.Channels, channel)
		}
		conference.Contents = append(conference.Contents, content)
	}

	if config.UseDataChannels {
		content := ColibriContent{
			Name: ContentData,
		}
		for _, endpoint := range endpoints {
			conn := ColibriSctpConnection{
				Endpoint:  endpoint,
				Initiator: &initiator,
				Port:      sctpPort,
			}
			if config.UseBundle {
				conn.ChannelBundleID = endpoint
			}
			content.SctpConnections = append(content.SctpConnections, conn)
		}
		conference.Contents = append(conference.Contents, content)
	}

	return conference
}

// BuildConferenceUpdate translates a Jingle payload's contents into channel
// updates for the sender's allocated channels. Contents without a known
// channel are skipped.
func BuildConferenceUpdate(conferenceID string, endpoint string, channels map[string]string, contents []JingleContent) ColibriConference {
	conference := ColibriConference{
		ID: conferenceID,
	}

	for _, content := range contents {
		id, found := channels[content.Name]
		if !found {
			continue
		}

		if content.Name == ContentData {
			conference.Contents = append(conference.Contents, ColibriContent{
				Name: content.Name,
				SctpConnections: []ColibriSctpConnection{{
					ID:        id,
					Endpoint:  endpoint,
					Transport: content.Transport,
				}},
			})
			continue
		}

		channel := ColibriChannel{
			ID:        id,
			Endpoint:  endpoint,
			Transport: content.Transport,
		}
		if desc := content.Description; desc != nil {
			channel.PayloadTypes = desc.PayloadTypes
			channel.HdrExts = desc.HdrExts
			for _, group := range desc.SsrcGroups {
				if group.Semantics == SemanticsFid {
					channel.SsrcGroups = append(channel.SsrcGroups, group)
				}
			}
			if desc.RtcpMux != nil && channel.Transport != nil && channel.Transport.RtcpMux == nil {
				transport := *channel.Transport
				transport.RtcpMux = &struct{}{}
				channel.Transport = &transport
			}
		}
		conference.Contents = append(conference.Contents, ColibriContent{
			Name:     content.Name,
			Channels: []ColibriChannel{channel},
		})
	}

	return conference
}

// BuildConferenceExpire produces the minimal element expiring the passed
// channels, "expire=0" each. The channels map is keyed by endpoint, then by
// content name.
func BuildConferenceExpire(conferenceID string, channels map[string]map[string]string) ColibriConference {
	conference := ColibriConference{
		ID: conferenceID,
	}

	expire := 0
	for endpoint, perContent := range channels {
		for name, id := range perContent {
			content := conference.content(name)
			if content == nil {
				conference.Contents = append(conference.Contents, ColibriContent{Name: name})
				content = &conference.Contents[len(conference.Contents)-1]
			}
			if name == ContentData {
				content.SctpConnections = append(content.SctpConnections, ColibriSctpConnection{
					ID:       id,
					Endpoint: endpoint,
					Expire:   &expire,
				})
			} else {
				content.Channels = append(content.Channels, ColibriChannel{
					ID:       id,
					Endpoint: endpoint,
					Expire:   &expire,
				})
			}
		}
	}

	return conference
}
