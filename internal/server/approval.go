package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/infra/auth"
)

func (s *Server) handleApprovalList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status") // Достаем из ?status=...
	if status == "" {
		status = string(domain.TicketPending) // Дефолт для удобства админки
	}

	list := s.engine.ListTickets(domain.TicketStatus(status))
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleApprovalGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := s.engine.Ticket(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type decideTicketRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
	Reviewer string `json:"reviewer,omitempty"` // Используется только без auth-периметра
}

// handleApprovalDecide — POST /v1/approvals/{id}/decide. Из N конкурентных
// решений по одной заявке выигрывает ровно одно, остальные получают 409.
func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req decideTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Ревьювером становится авторизованный админ из токена.
	// Поле из тела принимается только когда периметр работает без auth (dev).
	reviewerID := auth.UserID(r.Context())
	if reviewerID == "" {
		reviewerID = req.Reviewer
	}
	if reviewerID == "" {
		writeError(w, http.StatusBadRequest, "reviewer identity is required")
		return
	}

	t, err := s.engine.Resolve(r.Context(), id, req.Approved, reviewerID, req.Comment)
	switch {
	case errors.Is(err, domain.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
		return
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "ticket already resolved")
		return
	case err != nil:
		s.logger.Error("resolve failed", zap.String("ticket_id", id), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "resolution not committed")
		return
	}

	writeJSON(w, http.StatusOK, t)
}

// handleApprovalStream — GET /v1/approvals/stream, SSE-канал событий
// очереди. При подключении клиент получает бэклог PENDING-заявок как
// created-события, дальше — живые переходы в порядке их фиксации.
func (s *Server) handleApprovalStream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.engine.Stream()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("marshal ticket event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			fl.Flush()
		}
	}
}
