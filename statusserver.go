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
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusServer exposes metrics and the bridge statistics table on the
// internal HTTP listener.
type StatusServer struct {
	logger   *zap.Logger
	selector *BridgeSelector
	server   *http.Server
}

func NewStatusServer(logger *zap.Logger, selector *BridgeSelector) *StatusServer {
	s := &StatusServer{
		logger:   logger.With(zap.String("component", "statusserver")),
		selector: selector,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/api/v1/bridges", s.serveBridges).Methods("GET")
	s.server = &http.Server{
		Handler: r,
	}
	return s
}

func (s *StatusServer) serveBridges(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := struct {
		Bridges []BridgeStats `json:"bridges"`
		Now     time.Time     `json:"now"`
	}{
		Bridges: s.selector.Snapshot(),
		Now:     time.Now(),
	}
	if err := json.NewEncoder(w).Encode(&response); err != nil {
		s.logger.Error("Could not encode bridges",
			zap.Error(err),
		)
	}
}

func (s *StatusServer) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.logger.Info("Status server listening",
		zap.String("addr", addr),
	)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Status server failed",
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (s *StatusServer) Close() error {
	return s.server.Close()
}
