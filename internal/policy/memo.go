package policy

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoAllowlist реализует Allowlist поверх потокобезопасной мапы.
// In-memory кэш правил: в рантайме Hot Path арбитража обращается только
// к памяти; источник правды (конфиг или БД Identity-сервиса) подливается
// через Replace целиком.
type MemoAllowlist struct {
	mu sync.RWMutex
	// actor -> множество разрешенных инструментов
	allowed map[string]map[string]bool
	logger  *zap.Logger
}

func NewMemoAllowlist(rules map[string][]string, logger *zap.Logger) *MemoAllowlist {
	m := &MemoAllowlist{logger: logger.Named("allowlist")}
	m.Replace(rules)
	return m
}

// IsToolAllowed проверяет правила в порядке убывания специфичности:
// 1. Персональный список актора (инструмент или wildcard '*').
// 2. Глобальный список для всех акторов ('*').
// 3. Ничего не нашли — жесткий запрет, Default Deny (Zero Trust).
func (m *MemoAllowlist) IsToolAllowed(_ context.Context, actor, tool string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tools, ok := m.allowed[actor]; ok {
		if tools[tool] || tools["*"] {
			return true
		}
	}
	if tools, ok := m.allowed["*"]; ok {
		if tools[tool] || tools["*"] {
			return true
		}
	}
	return false
}

// Replace выполняет цельную подмену всех правил (холодная загрузка/reload).
func (m *MemoAllowlist) Replace(rules map[string][]string) {
	next := make(map[string]map[string]bool, len(rules))
	for actor, tools := range rules {
		set := make(map[string]bool, len(tools))
		for _, t := range tools {
			set[t] = true
		}
		next[actor] = set
	}

	m.mu.Lock()
	m.allowed = next
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("allowlist cache refreshed", zap.Int("actors", len(next)))
	}
}
