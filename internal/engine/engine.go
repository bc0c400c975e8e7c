package engine

/*
Файл engine.go реализует ядро шлюза — движок арбитража tool-вызовов.
Конвейер Decide с short-circuit на первом отказе:

  Kill-Switch -> Allow-list -> Манифест -> Capabilities -> Контент-фильтр
  -> Rate Limiter -> (апрув? PENDING : ALLOW)

Каждая ветка, независимо от исхода, оставляет ровно одну запись в журнале
аудита ДО возврата решения; PENDING-вызов оставляет две — «queued» при
постановке и финальную при разрешении заявки. Сбой журнала фатален для
вызова: неаудируемый allow не выдается.

Детерминизм: при одинаковых запросе, манифестах, правилах фильтра и
состоянии рубильника/лимитера решение воспроизводимо — скрытой
случайности в конвейере нет.
*/

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/approval"
	"github.com/xela07ax/toolgate/internal/audit"
	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/filter"
	"github.com/xela07ax/toolgate/internal/policy"
	"github.com/xela07ax/toolgate/internal/ratelimit"
	"github.com/xela07ax/toolgate/internal/registry"
	"github.com/xela07ax/toolgate/internal/risk"
)

type Config struct {
	// Общепроцессный набор разрешенных capabilities
	Capabilities []string
	// Дедлайн заявки на апрув
	TicketTTL time.Duration
}

type Engine struct {
	registry   *registry.Registry
	filter     *filter.Filter
	limiter    *ratelimit.Manager
	queue      *approval.Queue
	auditLog   *audit.Log
	killSwitch *KillSwitchManager
	allowlist  policy.Allowlist
	risk       *risk.Analyzer
	metrics    *Metrics
	logger     *zap.Logger

	capabilities map[string]bool
	ticketTTL    time.Duration
	now          func() time.Time

	// Счетчики для дашборда (метрики Prometheus наружу не читаются)
	statsMu      sync.Mutex
	totalCount   int64
	deniedCount  int64
	denyByReason map[string]int64
}

func New(
	cfg Config,
	reg *registry.Registry,
	flt *filter.Filter,
	lim *ratelimit.Manager,
	q *approval.Queue,
	log *audit.Log,
	ks *KillSwitchManager,
	allow policy.Allowlist,
	analyzer *risk.Analyzer,
	metrics *Metrics,
	logger *zap.Logger,
) *Engine {
	caps := make(map[string]bool, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c] = true
	}

	ttl := cfg.TicketTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	e := &Engine{
		registry:     reg,
		filter:       flt,
		limiter:      lim,
		queue:        q,
		auditLog:     log,
		killSwitch:   ks,
		allowlist:    allow,
		risk:         analyzer,
		metrics:      metrics,
		logger:       logger.Named("engine"),
		capabilities: caps,
		ticketTTL:    ttl,
		now:          time.Now,
		denyByReason: make(map[string]int64),
	}

	// Финальный аудит разрешения заявки — часть ее перехода:
	// сбой записи отменяет переход, заявка остается PENDING
	q.SetCommitHook(e.ticketAudit)
	return e
}

// Decide — единственная точка входа арбитража. Возвращает обязывающее
// решение или ошибку таксономии (*domain.StorageError и т.п.).
func (e *Engine) Decide(ctx context.Context, req domain.ToolCallRequest) (*domain.PolicyDecision, error) {
	start := e.now()
	if req.Actor == "" {
		req.Actor = domain.AnonymousActor
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if req.ArrivedAt.IsZero() {
		req.ArrivedAt = start
	}

	trace := make([]domain.CheckResult, 0, 7)
	pass := func(check string) {
		trace = append(trace, domain.CheckResult{Check: check, Passed: true})
	}
	failed := func(check, detail string) []domain.CheckResult {
		return append(trace, domain.CheckResult{Check: check, Passed: false, Detail: detail})
	}

	// 1. Kill-Switch (мгновенная блокировка, самая дешевая проверка).
	// Стоит ДО всех мутаций: при активном рубильнике rate limiter не трогается.
	if st := e.killSwitch.State(); st.Active {
		return e.deny(ctx, req, &domain.PolicyDecision{
			Reason: domain.ReasonKillSwitchActive,
			Trace:  failed(domain.CheckKillSwitch, st.Reason),
		}, start)
	}
	pass(domain.CheckKillSwitch)

	// 2. Персональный allow-list (внешний Identity/RBAC)
	if !e.allowlist.IsToolAllowed(ctx, req.Actor, req.Tool) {
		return e.deny(ctx, req, &domain.PolicyDecision{
			Reason: domain.ReasonToolNotPermitted,
			Trace:  failed(domain.CheckAllowlist, req.Tool),
		}, start)
	}
	pass(domain.CheckAllowlist)

	// 3. Манифест инструмента. Нет манифеста — отдельная ошибка unknown_tool
	manifest, err := e.registry.Lookup(req.Tool)
	if err != nil {
		return e.deny(ctx, req, &domain.PolicyDecision{
			Reason: domain.ReasonUnknownTool,
			Trace:  failed(domain.CheckManifest, req.Tool),
		}, start)
	}
	pass(domain.CheckManifest)

	// 4. Обязательные capabilities против общепроцессного набора
	if missing := e.missingCapability(manifest); missing != "" {
		return e.deny(ctx, req, &domain.PolicyDecision{
			Reason: domain.ReasonCapabilityDenied,
			Trace:  failed(domain.CheckCapability, missing),
		}, start)
	}
	pass(domain.CheckCapability)

	// 5. Контент-фильтр по сериализованному payload-у
	if rule := e.filter.Matches(req.SerializedArguments()); rule != nil {
		return e.deny(ctx, req, &domain.PolicyDecision{
			Reason: domain.ReasonContentFiltered,
			RuleID: rule.Label,
			Trace:  failed(domain.CheckContent, rule.Label),
		}, start)
	}
	pass(domain.CheckContent)

	// 6. Rate Limiter: корзина актора + глобальная, отказ любой — отказ вызова
	if wait, ok := e.limiter.TryConsume(req.Actor, 1, e.now()); !ok {
		return e.deny(ctx, req, &domain.PolicyDecision{
			Reason:        domain.ReasonRateLimited,
			RetryAfterSec: wait.Seconds(),
			Trace:         failed(domain.CheckRateLimit, wait.String()),
		}, start)
	}
	pass(domain.CheckRateLimit)

	// 7. Манифест требует апрува — ставим заявку и возвращаем PENDING
	if e.risk.IsRequired(manifest) {
		trace = append(trace, domain.CheckResult{Check: domain.CheckApprovalReq, Passed: true, Detail: "queued"})
		return e.enqueue(ctx, req, trace, start)
	}

	d := &domain.PolicyDecision{
		Outcome:       domain.OutcomeAllow,
		CorrelationID: req.CorrelationID,
		Trace:         trace,
	}
	if err := e.finalize(ctx, req, d, start); err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve фиксирует решение оператора по заявке. Финальный аудит пишется
// внутри перехода (commit-хук), здесь только метрики.
func (e *Engine) Resolve(ctx context.Context, id string, approve bool, reviewer, comment string) (domain.ApprovalTicket, error) {
	t, err := e.queue.Resolve(ctx, id, approve, reviewer, comment)
	if err != nil {
		return t, err
	}
	e.count(string(t.Status), "")
	return t, nil
}

// Await подвешивает вызывающего до разрешения заявки (future, без polling-а)
// и мапит исход заявки в финальное решение.
func (e *Engine) Await(ctx context.Context, ticketID string) (*domain.PolicyDecision, error) {
	t, err := e.queue.Await(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	d := &domain.PolicyDecision{
		CorrelationID: t.Request.CorrelationID,
		TicketID:      t.ID,
	}
	switch t.Status {
	case domain.TicketApproved:
		d.Outcome = domain.OutcomeAllow
	case domain.TicketExpired:
		d.Outcome = domain.OutcomeDeny
		d.Reason = domain.ReasonApprovalExpired
	default:
		d.Outcome = domain.OutcomeDeny
		d.Reason = domain.ReasonApprovalRejected
	}
	return d, nil
}

// Stream открывает live-подписку на события очереди апрувов.
func (e *Engine) Stream() *approval.Subscription {
	return e.queue.Subscribe()
}

// Ticket возвращает заявку по ID.
func (e *Engine) Ticket(id string) (domain.ApprovalTicket, error) {
	return e.queue.Get(id)
}

// ListTickets возвращает заявки в заданном статусе.
func (e *Engine) ListTickets(status domain.TicketStatus) []domain.ApprovalTicket {
	return e.queue.List(status)
}

// KillSwitchState — текущее состояние рубильника (снапшот).
func (e *Engine) KillSwitchState() domain.KillSwitchState {
	return e.killSwitch.State()
}

// ActivateKillSwitch включает глобальный рубильник. Каждая активация
// аудируется независимо, в том числе повторная (reason перезаписывается).
func (e *Engine) ActivateKillSwitch(ctx context.Context, reason, actor string) (domain.KillSwitchState, error) {
	entry := domain.AuditEntry{
		Actor:   actor,
		Action:  domain.ActionKillSwitchOn,
		Outcome: "ACTIVATED",
		Detail:  map[string]interface{}{"reason": reason},
	}
	if _, err := e.auditLog.Append(ctx, entry); err != nil {
		return domain.KillSwitchState{}, err
	}

	st := e.killSwitch.Activate(ctx, reason, actor)
	e.logger.Warn("kill switch ACTIVATED", zap.String("reason", reason), zap.String("by", actor))
	return st, nil
}

// DeactivateKillSwitch выключает рубильник. Уже зависшие PENDING-заявки
// активный рубильник и так не трогал — он блокирует только новые вызовы.
func (e *Engine) DeactivateKillSwitch(ctx context.Context, actor string) (domain.KillSwitchState, error) {
	entry := domain.AuditEntry{
		Actor:   actor,
		Action:  domain.ActionKillSwitchOff,
		Outcome: "DEACTIVATED",
	}
	if _, err := e.auditLog.Append(ctx, entry); err != nil {
		return domain.KillSwitchState{}, err
	}

	st := e.killSwitch.Deactivate(ctx, actor)
	e.logger.Info("kill switch deactivated", zap.String("by", actor))
	return st, nil
}

// AuditTail читает последние n записей журнала под фильтром.
func (e *Engine) AuditTail(ctx context.Context, n int, f audit.Filter) ([]domain.AuditEntry, error) {
	return e.auditLog.Tail(ctx, n, f)
}

// AuditExportCSV выгружает хвост журнала в CSV (разбор инцидентов).
func (e *Engine) AuditExportCSV(ctx context.Context, w io.Writer, n int, f audit.Filter) error {
	return e.auditLog.ExportCSV(ctx, w, n, f)
}

// Stats — сводка для дашборда консоли.
func (e *Engine) Stats() domain.GatewayStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	byReason := make(map[string]int64, len(e.denyByReason))
	for k, v := range e.denyByReason {
		byReason[k] = v
	}
	return domain.GatewayStats{
		TotalDecisions:  e.totalCount,
		DeniedDecisions: e.deniedCount,
		PendingTickets:  e.queue.PendingCount(),
		AuditSequence:   e.auditLog.Sequence(),
		DenyByReason:    byReason,
	}
}

// deny финализирует отказ: аудит, метрики, решение.
func (e *Engine) deny(ctx context.Context, req domain.ToolCallRequest, d *domain.PolicyDecision, start time.Time) (*domain.PolicyDecision, error) {
	d.Outcome = domain.OutcomeDeny
	d.CorrelationID = req.CorrelationID
	if err := e.finalize(ctx, req, d, start); err != nil {
		return nil, err
	}
	return d, nil
}

// enqueue ставит заявку на апрув. Порядок жесткий: сначала аудит «queued»
// с заранее выданным ticket id, потом заявка становится видимой. Если
// заявка так и не появилась, пишем компенсирующую запись best-effort.
func (e *Engine) enqueue(ctx context.Context, req domain.ToolCallRequest, trace []domain.CheckResult, start time.Time) (*domain.PolicyDecision, error) {
	d := &domain.PolicyDecision{
		Outcome:       domain.OutcomePending,
		CorrelationID: req.CorrelationID,
		TicketID:      uuid.New().String(),
		Trace:         trace,
	}

	if err := e.finalize(ctx, req, d, start); err != nil {
		return nil, err
	}

	if _, err := e.queue.Enqueue(ctx, req, e.now().Add(e.ticketTTL), d.TicketID); err != nil {
		comp := domain.AuditEntry{
			Actor:   req.Actor,
			Action:  req.Tool,
			Outcome: "QUEUE_FAILED",
			Detail:  map[string]interface{}{"ticket_id": d.TicketID, "correlation_id": req.CorrelationID},
		}
		if _, aerr := e.auditLog.Append(ctx, comp); aerr != nil {
			e.logger.Error("compensating audit entry failed", zap.Error(aerr))
		}
		return nil, err
	}
	return d, nil
}

// finalize пишет ровно одну запись аудита для решения и снимает метрики.
// Detail не содержит значений аргументов: редактирование секретов —
// обязанность того, кто собирает запись.
func (e *Engine) finalize(ctx context.Context, req domain.ToolCallRequest, d *domain.PolicyDecision, start time.Time) error {
	detail := map[string]interface{}{
		"correlation_id": req.CorrelationID,
		"trace":          d.Trace,
	}
	if d.Reason != "" {
		detail["reason"] = d.Reason
	}
	if d.RuleID != "" {
		detail["rule_id"] = d.RuleID
	}
	if d.RetryAfterSec > 0 {
		detail["retry_after_s"] = d.RetryAfterSec
	}
	if d.TicketID != "" {
		detail["ticket_id"] = d.TicketID
	}

	entry := domain.AuditEntry{
		Timestamp: e.now(),
		Actor:     req.Actor,
		Action:    req.Tool,
		Outcome:   string(d.Outcome),
		Detail:    detail,
	}
	if _, err := e.auditLog.Append(ctx, entry); err != nil {
		return err
	}

	e.count(string(d.Outcome), d.Reason)
	if e.metrics != nil {
		e.metrics.DecideDuration.WithLabelValues(string(d.Outcome)).Observe(e.now().Sub(start).Seconds())
	}
	return nil
}

func (e *Engine) missingCapability(m domain.CapabilityManifest) string {
	for _, c := range m.RequiredCapabilities {
		if !e.capabilities[c] {
			return c
		}
	}
	return ""
}

// ticketAudit — commit-хук очереди: финальная запись аудита для заявки.
func (e *Engine) ticketAudit(ctx context.Context, t domain.ApprovalTicket) error {
	actor := t.ReviewerID
	if actor == "" {
		actor = approval.SystemActor
	}

	entry := domain.AuditEntry{
		Actor:   actor,
		Action:  t.Request.Tool,
		Outcome: string(t.Status),
		Detail: map[string]interface{}{
			"ticket_id":      t.ID,
			"correlation_id": t.Request.CorrelationID,
			"requested_by":   t.Request.Actor,
			"comment":        t.Comment,
		},
	}
	_, err := e.auditLog.Append(ctx, entry)
	return err
}

func (e *Engine) count(outcome, reason string) {
	if e.metrics != nil {
		e.metrics.DecisionTotal.WithLabelValues(outcome, reason).Inc()
	}

	e.statsMu.Lock()
	e.totalCount++
	if outcome == string(domain.OutcomeDeny) {
		e.deniedCount++
		if reason != "" {
			e.denyByReason[reason]++
		}
	}
	e.statsMu.Unlock()
}
