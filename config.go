/**
 * Conference focus agent for multi-party XMPP calls.
 * Copyright (C) 2020 struktur AG
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
	"os"
	"regexp"
	"time"

	"github.com/dlintw/goconf"
	"go.uber.org/zap"
)

const (
	defaultPubSubNode       = "videobridge"
	defaultMinParticipants  = 2
	defaultBridgeLiveness   = 60 * time.Second
	defaultAllocationExpiry = 15 * time.Second
	defaultSubscribeDelay   = 5 * time.Second
)

var (
	searchVarsRegexp = regexp.MustCompile(`\$\([A-Za-z][A-Za-z0-9_]*\)`)
)

func replaceEnvVars(s string) string {
	return searchVarsRegexp.ReplaceAllStringFunc(s, func(name string) string {
		name = name[2 : len(name)-1]
		value, found := os.LookupEnv(name)
		if !found {
			return name
		}

		return value
	})
}

// GetStringOptionWithEnv will get the string option and resolve any
// environment variable references in the form "$(VAR)".
func GetStringOptionWithEnv(config *goconf.ConfigFile, section string, option string) (string, error) {
	value, err := config.GetString(section, option)
	if err != nil {
		return "", err
	}

	value = replaceEnvVars(value)
	return value, nil
}

// Config contains all settings of the focus agent. Instances are immutable
// snapshots; "Focus.Reload" swaps in a new snapshot. Options used only at
// startup (events url, HTTP listener, subscribe delay) keep their startup
// values.
type Config struct {
	// DefaultBridge is used when no live bridge is known.
	DefaultBridge string

	// UseDataChannels adds a "data" content with SCTP connections.
	UseDataChannels bool
	// UseBundle attaches "channel-bundle-id" per channel and emits a
	// grouping element in offers.
	UseBundle bool
	// UseRtx adds an "rtx" payload type bound to VP8.
	UseRtx bool

	PubSubService string
	PubSubNode    string

	MinParticipants int
	LingerTime      time.Duration
	BridgeLiveness  time.Duration

	// AllocationExpiry bounds how long a conference may stay pending
	// before the request is abandoned and reissued.
	AllocationExpiry time.Duration

	SubscribeDelay time.Duration

	// EventsUrl is the NATS url of the events bus, "nats://loopback" for
	// the in-process client.
	EventsUrl string

	// ListenHttp is the address of the internal status / metrics server.
	ListenHttp string
}

func LoadConfig(logger *zap.Logger, config *goconf.ConfigFile) (*Config, error) {
	result := &Config{
		UseDataChannels: true,
		UseBundle:       true,

		PubSubNode: defaultPubSubNode,

		MinParticipants:  defaultMinParticipants,
		BridgeLiveness:   defaultBridgeLiveness,
		AllocationExpiry: defaultAllocationExpiry,
		SubscribeDelay:   defaultSubscribeDelay,

		EventsUrl: NatsLoopbackUrl,
	}

	if bridge, err := GetStringOptionWithEnv(config, "focus", "mediabridge"); err == nil {
		result.DefaultBridge = bridge
	}
	if dc, err := config.GetBool("focus", "datachannels"); err == nil {
		result.UseDataChannels = dc
	}
	if bundle, err := config.GetBool("focus", "bundle"); err == nil {
		result.UseBundle = bundle
	}
	if rtx, err := config.GetBool("focus", "rtx"); err == nil {
		result.UseRtx = rtx
	}
	if min, err := config.GetInt("focus", "min_participants"); err == nil && min > 0 {
		result.MinParticipants = min
	}
	if linger, err := config.GetInt("focus", "linger_time"); err == nil && linger >= 0 {
		result.LingerTime = time.Duration(linger) * time.Second
	}
	if liveness, err := config.GetInt("focus", "bridge_liveness"); err == nil && liveness > 0 {
		result.BridgeLiveness = time.Duration(liveness) * time.Second
	}
	if expiry, err := config.GetInt("focus", "allocation_timeout"); err == nil && expiry > 0 {
		result.AllocationExpiry = time.Duration(expiry) * time.Second
	}

	if service, err := GetStringOptionWithEnv(config, "stats", "pubsub_service"); err == nil {
		result.PubSubService = service
	}
	if node, err := GetStringOptionWithEnv(config, "stats", "pubsub_node"); err == nil && node != "" {
		result.PubSubNode = node
	}

	if url, err := GetStringOptionWithEnv(config, "events", "url"); err == nil && url != "" {
		result.EventsUrl = url
	}

	if listen, err := GetStringOptionWithEnv(config, "http", "listen"); err == nil {
		result.ListenHttp = listen
	}

	if result.DefaultBridge == "" {
		logger.Warn("No default media bridge configured, allocations will fail while no bridge reports statistics")
	}

	return result, nil
}
