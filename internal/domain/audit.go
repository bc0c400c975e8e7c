package domain

import "time"

// AuditEntry — иммутабельная запись журнала решений и админ-действий.
// Sequence монотонный и без дырок; проставляется журналом, не вызывающим.
// Detail не должен содержать секретов — редактирование лежит на том,
// кто конструирует запись, до передачи в Append.
type AuditEntry struct {
	Sequence  uint64                 `json:"sequence"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`  // Имя инструмента или админ-операция
	Outcome   string                 `json:"outcome"` // ALLOW / DENY / PENDING / APPROVED / ...
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Админ-действия, попадающие в журнал наравне с решениями по вызовам.
const (
	ActionKillSwitchOn  = "kill_switch.activate"
	ActionKillSwitchOff = "kill_switch.deactivate"
)
