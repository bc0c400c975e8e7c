package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// decideRequest — DTO вызова арбитража. Actor в проде приходит из
// аутентифицированного канала агента; здесь принимаем полем запроса.
type decideRequest struct {
	Tool          string                 `json:"tool"`
	Arguments     map[string]interface{} `json:"arguments"`
	Actor         string                 `json:"actor"`
	CorrelationID string                 `json:"correlation_id"`
}

// handleDecide — POST /v1/decide. Синхронный арбитраж: решение в теле
// ответа. ?wait=true подвешивает вызов до разрешения PENDING-заявки.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	call := domain.ToolCallRequest{
		Tool:          req.Tool,
		Arguments:     req.Arguments,
		Actor:         req.Actor,
		CorrelationID: req.CorrelationID,
		ArrivedAt:     time.Now(),
	}

	d, err := s.engine.Decide(r.Context(), call)
	if err != nil {
		s.logger.Error("decide failed",
			zap.String("tool", req.Tool),
			zap.String("trace_id", extractTraceID(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "arbitration unavailable")
		return
	}

	if d.Outcome == domain.OutcomePending && r.URL.Query().Get("wait") == "true" {
		final, err := s.engine.Await(r.Context(), d.TicketID)
		if err != nil {
			writeError(w, http.StatusGatewayTimeout, "approval wait interrupted")
			return
		}
		writeDecision(w, final)
		return
	}

	writeDecision(w, d)
}

// handleAwait — GET /v1/decide/{ticket}. Вторая точка ожидания: агент,
// получивший PENDING, может вернуться за финальным решением позже.
func (s *Server) handleAwait(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ticket")

	d, err := s.engine.Await(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTicketNotFound) {
			writeError(w, http.StatusNotFound, "ticket not found")
			return
		}
		writeError(w, http.StatusGatewayTimeout, "approval wait interrupted")
		return
	}
	writeDecision(w, d)
}

// writeDecision мапит решение в HTTP-статус: агентам достаточно кода,
// чтобы не парсить тело на happy-path.
func writeDecision(w http.ResponseWriter, d *domain.PolicyDecision) {
	status := http.StatusForbidden
	switch d.Outcome {
	case domain.OutcomeAllow:
		status = http.StatusOK
	case domain.OutcomePending:
		status = http.StatusAccepted
	default:
		switch d.Reason {
		case domain.ReasonRateLimited:
			status = http.StatusTooManyRequests
			// Округляем вверх: Retry-After в целых секундах
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfterSec)+1))
		case domain.ReasonKillSwitchActive:
			// Шлюз закрыт целиком, а не конкретный вызов запрещен
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, d)
}
