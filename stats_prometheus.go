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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	statsRoomsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "rooms",
		Name:      "current",
		Help:      "The current number of rooms with conference state",
	})
	statsSessionsCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "sessions",
		Name:      "current",
		Help:      "The current number of active Jingle sessions",
	})
	statsConferencesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "conferences",
		Name:      "total",
		Help:      "The total number of conferences created on a bridge",
	})
	statsAllocationFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "conferences",
		Name:      "allocation_failures_total",
		Help:      "The total number of failed or timed out channel allocations",
	})
	statsBridgesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "bridges",
		Name:      "live",
		Help:      "The number of bridges with fresh statistics",
	})

	focusStats = []prometheus.Collector{
		statsRoomsCurrent,
		statsSessionsCurrent,
		statsConferencesTotal,
		statsAllocationFailuresTotal,
		statsBridgesLive,
	}
)

func registerAll(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

func RegisterFocusStats() {
	registerAll(focusStats...)
}
