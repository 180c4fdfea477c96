/*

This file contains the HTTP status surface of the keeper: a health endpoint
and a small read-only API over the registry and receipt tables. It exposes
nothing that can mutate engine state.

*/

package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/solauto-labs/rebalancer/internal/logger"
	"github.com/solauto-labs/rebalancer/internal/state"
)

var webLogger = logger.GetForComponent("web_server")

// WebServer handles HTTP requests for keeper status data
type WebServer struct {
	router *mux.Router
	port   string
}

// NewWebServer creates a new web server instance
func NewWebServer(port string) *WebServer {
	if port == "" {
		port = "8080"
	}

	server := &WebServer{
		router: mux.NewRouter(),
		port:   port,
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	// Health endpoint (direct route)
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")

	// API endpoints
	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")
	api.HandleFunc("/status", ws.handleStatus).Methods("GET")
	api.HandleFunc("/positions", ws.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{id}", ws.handleGetPosition).Methods("GET")

	ws.router.Use(ws.loggingMiddleware)
}

// Start starts the web server
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	server := &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth returns server health status
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbHealthy := state.TestDBConnection() == nil

	status := "healthy"
	code := http.StatusOK
	if !dbHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":        status,
		"database":      dbHealthy,
		"goroutines":    runtime.NumGoroutine(),
		"heap_alloc_mb": memStats.HeapAlloc / 1024 / 1024,
		"timestamp":     time.Now().UTC(),
	})
}

// handleStatus reports the current cycle and registry size
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	cycle, err := state.GetCurrentCycleNumber()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}
	positions, err := state.ListTrackedPositions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"current_cycle":     cycle,
		"tracked_positions": len(positions),
		"timestamp":         time.Now().UTC(),
	})
}

// handleGetPositions lists every tracked position
func (ws *WebServer) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := state.ListTrackedPositions()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	summaries := make([]map[string]interface{}, 0, len(positions))
	for _, tracked := range positions {
		summaries = append(summaries, positionSummary(tracked))
	}
	writeJSON(w, http.StatusOK, summaries)
}

// handleGetPosition returns one tracked position by ID
func (ws *WebServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	tracked, err := state.GetTrackedPosition(id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, positionSummary(*tracked))
}

func positionSummary(tracked state.TrackedPosition) map[string]interface{} {
	p := tracked.Position
	return map[string]interface{}{
		"position_id":              p.ID,
		"authority":                p.Authority.String(),
		"platform":                 p.Platform.String(),
		"self_managed":             p.SelfManaged,
		"referred":                 tracked.Referred,
		"liq_utilization_rate_bps": p.State.LiqUtilizationRateBps,
		"net_worth_usd":            p.State.NetWorthUsd.String(),
		"rebalance_phase":          p.Rebalance.Phase.String(),
		"updated_at":               tracked.UpdatedAt,
	}
}

// loggingMiddleware logs each request at debug level
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		webLogger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeJSONError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
