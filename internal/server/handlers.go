package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus reports process health: uptime, live subscriber count, and
// host resource usage, for operator dashboards and alerting.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"uptime_seconds":  int(time.Since(s.start).Seconds()),
		"hub_subscribers": s.hub.SubscriberCount(),
	}

	if percent, err := cpu.Percent(0, false); err == nil && len(percent) > 0 {
		status["cpu_percent"] = percent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		status["memory_used_percent"] = vm.UsedPercent
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListExpiries(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	var expiries []string
	var err error
	if limit > 0 {
		expiries, err = s.market.GetNextExpiries(r.Context(), symbol, limit)
	} else {
		expiries, err = s.market.ListExpiries(r.Context(), symbol)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "expiries": expiries})
}

func (s *Server) handleFetchStrikeRows(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	q := r.URL.Query()

	timeframe := q.Get("timeframe")
	if timeframe == "" {
		timeframe = "1min"
	}
	expiries := []string{}
	if raw := q.Get("expiries"); raw != "" {
		expiries = strings.Split(raw, ",")
	}
	var fromTime, toTime int64
	if v := q.Get("from"); v != "" {
		fromTime, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := q.Get("to"); v != "" {
		toTime, _ = strconv.ParseInt(v, 10, 64)
	}

	if len(expiries) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "expiries query parameter is required"})
		return
	}

	rows, err := s.market.FetchStrikeRows(r.Context(), symbol, timeframe, expiries, fromTime, toTime)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "timeframe": timeframe, "rows": rows})
}
