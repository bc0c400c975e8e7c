package ratelimit

/*
Файл limiter.go реализует Rate Limiter шлюза: token-bucket на каждый scope
(идентичность актора) плюс один общий глобальный bucket. Поверх
golang.org/x/time/rate: Reserve/Cancel дает проверку двух корзин без
частичного списания, а SetLimitAt/SetBurstAt — горячую перезагрузку
конфига без сброса уже накопленных уровней.
*/

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// GlobalScope — специальный ключ общей корзины.
const GlobalScope = "global"

// Config — емкость и скорость пополнения корзин.
// Применяется к последующим проверкам без сброса уровней.
type Config struct {
	ActorRate   float64 // Токенов в секунду на актора
	ActorBurst  int     // Емкость корзины актора
	GlobalRate  float64
	GlobalBurst int
}

type Manager struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*rate.Limiter // Лениво, по первому обращению; живут, пока жив scope
	global  *rate.Limiter
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
	}
}

// TryConsume проверяет корзину актора И глобальную на момент now.
// Отказ любой из двух — отказ всего вызова, при этом ни одна корзина
// не списывается (резервация отменяется). Возвращает подсказку ожидания
// до следующего токена и вердикт.
func (m *Manager) TryConsume(scope string, cost int, now time.Time) (time.Duration, bool) {
	actor := m.bucket(scope)

	ra := actor.ReserveN(now, cost)
	if !ra.OK() {
		// cost больше емкости — такой вызов не пройдет никогда
		return rate.InfDuration, false
	}
	if d := ra.DelayFrom(now); d > 0 {
		ra.CancelAt(now)
		return d, false
	}

	// Вызов от имени GlobalScope уже зарезервировал общую корзину —
	// вторая резервация списала бы cost дважды
	if actor == m.global {
		return 0, true
	}

	rg := m.global.ReserveN(now, cost)
	if !rg.OK() {
		ra.CancelAt(now)
		return rate.InfDuration, false
	}
	if d := rg.DelayFrom(now); d > 0 {
		rg.CancelAt(now)
		ra.CancelAt(now)
		return d, false
	}

	return 0, true
}

// Apply горячо применяет новый конфиг ко всем уже созданным корзинам.
// Уровни не сбрасываются: x/time/rate пересчитывает накопленное на момент now.
func (m *Manager) Apply(cfg Config, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	m.global.SetLimitAt(now, rate.Limit(cfg.GlobalRate))
	m.global.SetBurstAt(now, cfg.GlobalBurst)
	for _, b := range m.buckets {
		b.SetLimitAt(now, rate.Limit(cfg.ActorRate))
		b.SetBurstAt(now, cfg.ActorBurst)
	}
}

// Scopes возвращает число активных корзин (для метрик).
func (m *Manager) Scopes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// bucket отдает корзину scope, создавая ее при первом обращении.
// Мьютекс менеджера защищает только мапу: сами корзины синхронизируются
// внутри rate.Limiter, так что чужие акторы друг друга не ждут.
func (m *Manager) bucket(scope string) *rate.Limiter {
	if scope == GlobalScope {
		return m.global
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[scope]
	if !ok {
		b = rate.NewLimiter(rate.Limit(m.cfg.ActorRate), m.cfg.ActorBurst)
		m.buckets[scope] = b
	}
	return b
}
