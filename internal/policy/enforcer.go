package policy

import "context"

// Allowlist — контракт внешнего Identity/RBAC-хранилища: можно ли актору
// вообще звать этот инструмент. Движок арбитража знает только интерфейс.
type Allowlist interface {
	IsToolAllowed(ctx context.Context, actor, tool string) bool
}
