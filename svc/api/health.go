package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"snaplink/svc/util"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Storage  string `json:"storage"`
	Durable  bool   `json:"durable"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// Ready fails when the record store is unreachable. A non-durable store or
// a missing Redis only marks the instance degraded.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	store := s.access.Store()
	resp := ReadyResponse{
		Ready:    true,
		Storage:  store.Kind(),
		Durable:  store.Durable(),
		Database: "up",
		Cache:    "up",
	}
	if !resp.Durable {
		resp.Degraded = true
	}
	dbCtx, dbCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer dbCancel()
	if err := store.Ping(dbCtx); err != nil {
		util.Error().Err(err).Str("storage", resp.Storage).Msg("storage health check failed")
		resp.Database = "down"
		resp.Degraded = true
		resp.Ready = false
	}
	if s.rdb != nil {
		cacheCtx, cacheCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cacheCancel()
		if err := s.rdb.Ping(cacheCtx); err != nil {
			util.Error().Err(err).Msg("redis health check failed")
			resp.Cache = "down"
			resp.Degraded = true
		}
	} else {
		resp.Cache = "unavailable"
	}
	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(resp)
}
