package risk

import (
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// Analyzer решает, нужно ли отправлять вызов на апрув (HITL).
// Базовое правило — флаг requires_approval из манифеста. Опционально
// (ForceHighRisk) любой инструмент с risk_level=high тоже уходит
// на ручное подтверждение — полезно в режиме усиленного контроля.
type Analyzer struct {
	forceHighRisk bool
	logger        *zap.Logger
}

func NewAnalyzer(forceHighRisk bool, logger *zap.Logger) *Analyzer {
	return &Analyzer{forceHighRisk: forceHighRisk, logger: logger.Named("risk")}
}

// IsRequired проверяет, требует ли вызов ручного подтверждения.
func (a *Analyzer) IsRequired(m domain.CapabilityManifest) bool {
	if m.RequiresApproval {
		return true
	}

	if a.forceHighRisk && m.RiskLevel == domain.RiskHigh {
		a.logger.Warn("high-risk tool routed to approval",
			zap.String("tool", m.Tool),
			zap.String("risk_level", string(m.RiskLevel)))
		return true
	}

	return false
}
