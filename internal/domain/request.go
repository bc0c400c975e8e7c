package domain

import (
	"encoding/json"
	"time"
)

// AnonymousActor используется, когда вызов пришел без идентичности.
// Для rate-limit такой вызов всё равно получает собственный scope.
const AnonymousActor = "anonymous"

// ToolCallRequest — входящий запрос агента на вызов инструмента.
// Иммутабелен после создания: движок арбитража его только читает.
type ToolCallRequest struct {
	Tool          string                 `json:"tool"`           // Имя инструмента, e.g. "shell.exec"
	Arguments     map[string]interface{} `json:"arguments"`      // Аргументы вызова (как пришли от агента)
	Actor         string                 `json:"actor"`          // Subject токена или AnonymousActor
	CorrelationID string                 `json:"correlation_id"` // Сквозной ID (клиентский или серверный)
	ArrivedAt     time.Time              `json:"arrived_at"`
}

// SerializedArguments возвращает аргументы одной строкой для контент-фильтра.
// Детерминированность обеспечивает encoding/json (ключи мапы сортируются).
func (r *ToolCallRequest) SerializedArguments() string {
	if len(r.Arguments) == 0 {
		return ""
	}
	b, err := json.Marshal(r.Arguments)
	if err != nil {
		return ""
	}
	return string(b)
}

// RiskLevel — декларативная оценка опасности инструмента из манифеста.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid проверяет, что уровень из файла манифеста входит в закрытый набор.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// CapabilityManifest — статичная декларация инструмента.
// Отсутствие манифеста — это отдельная ошибка "unknown tool", а не default-allow.
type CapabilityManifest struct {
	Tool                 string    `json:"tool" yaml:"name"`
	RequiredCapabilities []string  `json:"required_capabilities" yaml:"required_capabilities"`
	OptionalCapabilities []string  `json:"optional_capabilities,omitempty" yaml:"optional_capabilities"`
	RiskLevel            RiskLevel `json:"risk_level" yaml:"risk_level"`
	RequiresApproval     bool      `json:"requires_approval" yaml:"requires_approval"`
}
