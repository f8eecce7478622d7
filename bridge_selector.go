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
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// SubjectBridgeStats carries BridgeStats records from the stats
	// ingester to all selectors on the events bus.
	SubjectBridgeStats = "focus.bridgestats"
)

// BridgeStats is the last known load report of one media bridge.
type BridgeStats struct {
	Bridge string `json:"bridge"`

	UploadBitrate   uint64  `json:"upload_bitrate"`
	DownloadBitrate uint64  `json:"download_bitrate"`
	Cpu             float64 `json:"cpu"`
	Participants    int     `json:"participant_count"`

	Timestamp time.Time `json:"timestamp"`
}

func (s *BridgeStats) bitrate() uint64 {
	return s.UploadBitrate + s.DownloadBitrate
}

// BridgeSelector keeps freshness-scored statistics per bridge and picks the
// least loaded live bridge for new rooms.
type BridgeSelector struct {
	logger *zap.Logger

	mu sync.Mutex
	// +checklocks:mu
	bridges map[string]BridgeStats
	// +checklocks:mu
	defaultBridge string
	// +checklocks:mu
	liveness time.Duration

	now func() time.Time

	receiver     chan *nats.Msg
	subscription NatsSubscription
	events       NatsClient
	closeChan    chan struct{}
}

func NewBridgeSelector(logger *zap.Logger, events NatsClient, config *Config) (*BridgeSelector, error) {
	receiver := make(chan *nats.Msg, 64)
	subscription, err := events.Subscribe(SubjectBridgeStats, receiver)
	if err != nil {
		return nil, err
	}

	selector := &BridgeSelector{
		logger: logger.With(zap.String("component", "bridgeselector")),

		bridges:       make(map[string]BridgeStats),
		defaultBridge: config.DefaultBridge,
		liveness:      config.BridgeLiveness,

		now: time.Now,

		receiver:     receiver,
		subscription: subscription,
		events:       events,
		closeChan:    make(chan struct{}),
	}
	go selector.run()
	return selector, nil
}

func (s *BridgeSelector) run() {
	for {
		select {
		case <-s.closeChan:
			return
		case msg := <-s.receiver:
			if msg == nil {
				continue
			}
			var stats BridgeStats
			if err := s.events.Decode(msg, &stats); err != nil {
				s.logger.Error("Could not decode bridge stats",
					zap.Error(err),
				)
				continue
			}
			s.Update(stats)
		}
	}
}

func (s *BridgeSelector) Close() {
	close(s.closeChan)
	if err := s.subscription.Unsubscribe(); err != nil {
		s.logger.Error("Error unsubscribing bridge stats",
			zap.Error(err),
		)
	}
}

func (s *BridgeSelector) Reload(config *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultBridge = config.DefaultBridge
	s.liveness = config.BridgeLiveness
}

func (s *BridgeSelector) Update(stats BridgeStats) {
	if stats.Bridge == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridges[stats.Bridge] = stats
	s.updateLiveGauge()
}

// MarkUnhealthy ages out a bridge immediately. Used when an allocation
// times out or the bridge replies with an error.
func (s *BridgeSelector) MarkUnhealthy(bridge string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.bridges[bridge]; found {
		delete(s.bridges, bridge)
		s.logger.Info("Marked bridge as unhealthy",
			zap.String("bridge", bridge),
		)
		s.updateLiveGauge()
	}
}

// +checklocks:s.mu
func (s *BridgeSelector) updateLiveGauge() {
	live := 0
	now := s.now()
	for _, stats := range s.bridges {
		if now.Sub(stats.Timestamp) < s.liveness {
			live++
		}
	}
	statsBridgesLive.Set(float64(live))
}

// SelectBridge returns the live bridge minimizing upload + download
// bitrate, ties broken by lowest participant count, then lexicographic
// bridge id. With no live bridge the configured default is returned; it is
// always admissible.
func (s *BridgeSelector) SelectBridge() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *BridgeStats
	for id := range s.bridges {
		stats := s.bridges[id]
		if now.Sub(stats.Timestamp) >= s.liveness {
			continue
		}
		if best == nil {
			best = &stats
			continue
		}
		if stats.bitrate() != best.bitrate() {
			if stats.bitrate() < best.bitrate() {
				best = &stats
			}
			continue
		}
		if stats.Participants != best.Participants {
			if stats.Participants < best.Participants {
				best = &stats
			}
			continue
		}
		if stats.Bridge < best.Bridge {
			best = &stats
		}
	}

	if best == nil {
		return s.defaultBridge
	}
	return best.Bridge
}

// Snapshot returns the current stats table ordered by bridge id.
func (s *BridgeSelector) Snapshot() []BridgeStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]BridgeStats, 0, len(s.bridges))
	for _, stats := range s.bridges {
		result = append(result, stats)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Bridge < result[j].Bridge
	})
	return result
}
