package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/edgegate/edgegate/internal/middleware"
)

// handleHealth reports liveness plus a store ping. A degraded store
// turns the response into a 503 without touching the gates, so probes
// keep working while traffic is rejected upstream of us.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]interface{})
	allHealthy := true

	// The public chain attaches the store handle to the request context;
	// the admin listener answers health before its chain, so fall back.
	rdb := middleware.StoreFromContext(r.Context())
	if rdb == nil {
		rdb = s.rdb
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	redisStatus := map[string]interface{}{"status": "ok"}
	if err := rdb.Ping(ctx).Err(); err != nil {
		redisStatus["status"] = "fail"
		redisStatus["error"] = err.Error()
		allHealthy = false
	}
	checks["redis"] = redisStatus

	status := http.StatusOK
	statusStr := "ok"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		statusStr = "degraded"
	}

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    statusStr,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

// statsPayload gathers the atomic counters of every active stage.
func (s *Server) statsPayload() map[string]interface{} {
	stats := map[string]interface{}{
		"uptime":   time.Since(s.startTime).String(),
		"resolver": s.resolver.Stats(),
	}

	if s.policyCache != nil {
		policyStats := map[string]interface{}{
			"cache": s.policyCache.Stats(),
		}
		if s.policyGate != nil {
			policyStats["gate"] = s.policyGate.Stats()
		}
		if s.bus != nil {
			policyStats["invalidations_received"] = s.bus.Received()
		}
		stats["policy"] = policyStats
	}

	if s.repGate != nil {
		stats["reputation"] = s.repGate.Stats()
	}

	rateLimit := map[string]interface{}{
		"admin_window": s.adminWindow.Stats(),
	}
	if s.bucket != nil {
		rateLimit["bucket"] = s.bucket.Stats()
	}
	stats["rate_limit"] = rateLimit

	if s.geo != nil {
		stats["geo"] = s.geo.Stats()
	}
	if s.compressor != nil {
		stats["compression"] = s.compressor.Stats()
	}

	return stats
}
