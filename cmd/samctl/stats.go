package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// statsServer exposes the event log as JSON. The teacher repo's only
// net/http precedent is frp.Client (an outbound dashboard API client);
// this is the server-side counterpart that domain calls for, built with
// the same stdlib net/http the teacher already reaches for rather than
// pulling in a separate router dependency for one route.
type statsServer struct {
	addr   string
	events *eventLog
	srv    *http.Server
}

func newStatsServer(addr string, events *eventLog) *statsServer {
	return &statsServer{addr: addr, events: events}
}

func (s *statsServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.events.Recent()); err != nil {
			log.Printf("samctl: stats encode: %v", err)
		}
	})

	s.srv = &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("samctl: stats server: %v", err)
		}
	}()
}

func (s *statsServer) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}
