package domain

import "time"

// KillSwitchState — единственный на процесс глобальный рубильник.
// Активный рубильник блокирует все НОВЫЕ вызовы; уже зависшие PENDING-заявки
// разрешать можно (решение оператора — не новый tool call).
type KillSwitchState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	SetBy  string    `json:"set_by,omitempty"`
	SetAt  time.Time `json:"set_at"`
}
