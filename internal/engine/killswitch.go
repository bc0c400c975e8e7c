package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
	"github.com/xela07ax/toolgate/internal/infra"
)

// KillSwitchManager — единственный на процесс глобальный рубильник.
// Явный state-объект с задокументированным контрактом: чтения — снапшот
// под RLock (самая дешевая проверка конвейера, In-memory), записи — только
// админ-действия. При наличии Redis состояние персистится и транслируется
// остальным инстансам шлюза; nil-клиент — чисто локальный режим.
type KillSwitchManager struct {
	mu     sync.RWMutex
	state  domain.KillSwitchState
	rdb    *redis.Client
	logger *zap.Logger
}

func NewKillSwitchManager(rdb *redis.Client, logger *zap.Logger) *KillSwitchManager {
	return &KillSwitchManager{
		rdb:    rdb,
		logger: logger.Named("killswitch"),
	}
}

// State возвращает снапшот состояния.
func (m *KillSwitchManager) State() domain.KillSwitchState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Activate включает рубильник. Идемпотентен: повторная активация
// перезаписывает reason/set_by, аудитом занимается движок.
func (m *KillSwitchManager) Activate(ctx context.Context, reason, actor string) domain.KillSwitchState {
	next := domain.KillSwitchState{
		Active: true,
		Reason: reason,
		SetBy:  actor,
		SetAt:  time.Now(),
	}
	m.apply(next)
	m.broadcast(ctx, next)
	return next
}

// Deactivate выключает рубильник.
func (m *KillSwitchManager) Deactivate(ctx context.Context, actor string) domain.KillSwitchState {
	next := domain.KillSwitchState{
		Active: false,
		SetBy:  actor,
		SetAt:  time.Now(),
	}
	m.apply(next)
	m.broadcast(ctx, next)
	return next
}

func (m *KillSwitchManager) apply(next domain.KillSwitchState) {
	m.mu.Lock()
	m.state = next
	m.mu.Unlock()
}

// broadcast персистит состояние в Redis и шлет сигнал остальным инстансам.
// Сбой Redis не отменяет локальное переключение — лог и едем дальше.
func (m *KillSwitchManager) broadcast(ctx context.Context, st domain.KillSwitchState) {
	if m.rdb == nil {
		return
	}

	payload, _ := json.Marshal(st)
	if err := m.rdb.Set(ctx, infra.RedisKeyKillSwitch, payload, 0).Err(); err != nil {
		m.logger.Warn("kill-switch state not persisted to redis", zap.Error(err))
	}
	if err := m.rdb.Publish(ctx, infra.RedisChanKillSwitch, payload).Err(); err != nil {
		m.logger.Warn("kill-switch signal delivery failed", zap.Error(err))
	}
}

// Init загружает текущее состояние рубильника при старте сервиса.
func (m *KillSwitchManager) Init(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}

	payload, err := m.rdb.Get(ctx, infra.RedisKeyKillSwitch).Result()
	if err != nil {
		if err == redis.Nil {
			return nil // Рубильник никто не трогал
		}
		return err
	}

	var st domain.KillSwitchState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		m.logger.Error("corrupt kill-switch state in redis, ignoring", zap.Error(err))
		return nil
	}

	m.apply(st)
	if st.Active {
		m.logger.Warn("kill switch is ACTIVE after restart",
			zap.String("reason", st.Reason),
			zap.String("set_by", st.SetBy))
	}
	return nil
}

// StartListener подписывается на сигналы других инстансов в реальном времени.
func (m *KillSwitchManager) StartListener(ctx context.Context) {
	if m.rdb == nil {
		return
	}

	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanKillSwitch,
		func() error { return m.Init(ctx) }, // Синхронизация при переподключении
		func(payload string) {
			var st domain.KillSwitchState
			if err := json.Unmarshal([]byte(payload), &st); err != nil {
				m.logger.Error("invalid kill-switch signal", zap.String("payload", payload))
				return
			}
			m.apply(st)
		},
	)
}
