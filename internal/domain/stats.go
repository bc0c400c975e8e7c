package domain

// GatewayStats — сводка для дашборда консоли.
type GatewayStats struct {
	TotalDecisions  int64            `json:"total_decisions"`
	DeniedDecisions int64            `json:"denied_decisions"`
	PendingTickets  int              `json:"pending_tickets"`
	AuditSequence   uint64           `json:"audit_sequence"` // High-water mark журнала
	DenyByReason    map[string]int64 `json:"deny_by_reason"`
}
