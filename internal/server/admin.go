package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/infra/auth"
)

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleKillSwitchState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.KillSwitchState())
}

type killSwitchRequest struct {
	Reason string `json:"reason"`
}

// handleKillSwitchActivate — POST /v1/killswitch/activate. Аудит пишется
// ДО переключения; если журнал недоступен, рубильник не переключается.
func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	var req killSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	actor := auth.UserID(r.Context())
	if actor == "" {
		actor = "operator"
	}

	st, err := s.engine.ActivateKillSwitch(r.Context(), req.Reason, actor)
	if err != nil {
		s.logger.Error("kill switch activation failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "activation not committed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	actor := auth.UserID(r.Context())
	if actor == "" {
		actor = "operator"
	}

	st, err := s.engine.DeactivateKillSwitch(r.Context(), actor)
	if err != nil {
		s.logger.Error("kill switch deactivation failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "deactivation not committed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRegistryExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Export())
}

// handleRegistryReload перечитывает YAML манифестов с диска. Невалидный
// файл отклоняется целиком, действующий реестр не меняется.
func (s *Server) handleRegistryReload(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.LoadFile(s.cfg.Registry.ManifestPath); err != nil {
		s.logger.Error("registry reload rejected", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"tools": s.registry.Len()})
}

func (s *Server) handleFilterRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.filter.Rules())
}

func (s *Server) handleFilterReload(w http.ResponseWriter, r *http.Request) {
	if err := s.filter.LoadFile(s.cfg.Filter.RulesPath); err != nil {
		s.logger.Error("filter reload rejected", zap.Error(err))
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"rules": len(s.filter.Rules())})
}
