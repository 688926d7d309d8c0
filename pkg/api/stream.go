package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polisai/netopt/pkg/domain"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 128
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleStatusStream pushes status records over a websocket. Records after
// the optional since sequence are replayed from the ring buffer first. The
// subscription is opened before the replay, so live records already sent are
// skipped by sequence.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "status feed not configured")
		return
	}
	var since uint64
	replay := false
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", "since must be a sequence number")
			return
		}
		since, replay = v, true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("status stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Feed.Subscribe(streamBuffer)
	defer s.deps.Feed.Unsubscribe(sub)
	s.deps.Metrics.streamClients.Inc()
	defer s.deps.Metrics.streamClients.Dec()

	s.logger.Debug("status stream connected", "subscriber", sub.ID, "since", since)

	// The reader only services control frames and detects disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(rec domain.StatusRecord) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(rec) == nil
	}

	var last uint64
	if replay {
		for _, rec := range s.deps.Feed.Since(since) {
			if !send(rec) {
				return
			}
			last = rec.Sequence
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case rec, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(streamWriteWait))
				return
			}
			if rec.Sequence <= last {
				continue
			}
			if !send(rec) {
				return
			}
			last = rec.Sequence
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func sortTopology(resp *topologyResponse) {
	sort.Slice(resp.Nodes, func(i, j int) bool { return resp.Nodes[i].ID < resp.Nodes[j].ID })
	sort.Slice(resp.Links, func(i, j int) bool { return resp.Links[i].Key() < resp.Links[j].Key() })
	sort.Slice(resp.Samples, func(i, j int) bool { return resp.Samples[i].Key < resp.Samples[j].Key })
}
