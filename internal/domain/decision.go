package domain

// DecisionOutcome — итог арбитража для одного вызова.
type DecisionOutcome string

const (
	OutcomeAllow   DecisionOutcome = "ALLOW"
	OutcomeDeny    DecisionOutcome = "DENY"
	OutcomePending DecisionOutcome = "PENDING" // Ждет решения человека (HITL)
)

// Машиночитаемые коды отказа. Возвращаются вызывающему слою как есть,
// чтобы он мог отрендерить точное сообщение.
const (
	ReasonKillSwitchActive = "kill_switch_active"
	ReasonToolNotPermitted = "tool_not_permitted"
	ReasonUnknownTool      = "unknown_tool"
	ReasonCapabilityDenied = "capability_denied"
	ReasonContentFiltered  = "content_filtered"
	ReasonRateLimited      = "rate_limited"

	// Финальные причины для PENDING-вызовов, не доживших до Allow
	ReasonApprovalRejected = "approval_rejected"
	ReasonApprovalExpired  = "approval_expired"
)

// Имена проверок конвейера — в том порядке, в котором их проходит Decide.
const (
	CheckKillSwitch  = "kill_switch"
	CheckAllowlist   = "allowlist"
	CheckManifest    = "manifest"
	CheckCapability  = "capability"
	CheckContent     = "content_filter"
	CheckRateLimit   = "rate_limit"
	CheckApprovalReq = "approval_required"
)

// CheckResult — запись об одном пройденном шаге конвейера (для аудита).
type CheckResult struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// PolicyDecision — обязывающий результат Decide.
// ALLOW и DENY терминальны; PENDING позже разрешается через Approval Queue.
type PolicyDecision struct {
	Outcome       DecisionOutcome `json:"outcome"`
	Reason        string          `json:"reason,omitempty"`  // Код отказа (для DENY)
	RuleID        string          `json:"rule_id,omitempty"` // Метка правила контент-фильтра
	CorrelationID string          `json:"correlation_id"`
	TicketID      string          `json:"ticket_id,omitempty"`    // ID заявки (для PENDING)
	RetryAfterSec float64         `json:"retry_after_s,omitempty"` // Подсказка при rate_limited
	Trace         []CheckResult   `json:"trace"` // Упорядоченный список пройденных проверок
}

// Allowed — короткая проверка для вызывающего слоя.
func (d *PolicyDecision) Allowed() bool {
	return d != nil && d.Outcome == OutcomeAllow
}
