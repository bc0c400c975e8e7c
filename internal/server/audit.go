package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/audit"
)

const defaultAuditLimit = 100

// handleAuditTail возвращает хвост журнала аудита с фильтрацией
// GET /v1/audit?limit=...&actor=...&action=...&from=...&to=...&format=csv
func (s *Server) handleAuditTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultAuditLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	f := audit.Filter{
		Actor:  q.Get("actor"),
		Action: q.Get("action"),
	}
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		f.To = t
	}

	// Экспорт для разбора инцидента: ?format=csv
	if q.Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		if err := s.engine.AuditExportCSV(r.Context(), w, limit, f); err != nil {
			s.logger.Error("audit csv export failed", zap.Error(err))
		}
		return
	}

	entries, err := s.engine.AuditTail(r.Context(), limit, f)
	if err != nil {
		s.logger.Error("audit tail failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to fetch audit log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
