package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorBucketDrainsAndRefills(t *testing.T) {
	m := New(Config{ActorRate: 1, ActorBurst: 5, GlobalRate: 1000, GlobalBurst: 1000})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Емкость 5: пять вызовов подряд проходят
	for i := 0; i < 5; i++ {
		_, ok := m.TryConsume("alice", 1, now)
		require.True(t, ok, "call #%d must pass", i)
	}

	// Шестой — отказ с подсказкой ~1s до следующего токена
	wait, ok := m.TryConsume("alice", 1, now)
	require.False(t, ok)
	assert.InDelta(t, time.Second.Seconds(), wait.Seconds(), 0.05)

	// Через секунду накапливается ровно один токен
	later := now.Add(time.Second)
	_, ok = m.TryConsume("alice", 1, later)
	assert.True(t, ok)
	_, ok = m.TryConsume("alice", 1, later)
	assert.False(t, ok)
}

func TestActorsAreIsolated(t *testing.T) {
	m := New(Config{ActorRate: 1, ActorBurst: 1, GlobalRate: 1000, GlobalBurst: 1000})
	now := time.Now()

	_, ok := m.TryConsume("alice", 1, now)
	require.True(t, ok)
	_, ok = m.TryConsume("alice", 1, now)
	require.False(t, ok)

	// Исчерпание корзины alice не трогает bob-а
	_, ok = m.TryConsume("bob", 1, now)
	assert.True(t, ok)
}

func TestGlobalDenialDoesNotChargeActor(t *testing.T) {
	// Пополнение акторов почти нулевое: уровень корзины bob-а — прямое
	// свидетельство, списал его отказ или нет
	m := New(Config{ActorRate: 0.001, ActorBurst: 100, GlobalRate: 100, GlobalBurst: 100})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Осушаем глобальную корзину целиком
	_, ok := m.TryConsume("alice", 100, now)
	require.True(t, ok)

	// Глобальная пуста: отказ, но корзина bob-а не списана
	_, ok = m.TryConsume("bob", 1, now)
	require.False(t, ok)

	// Спустя секунду глобальная пополнилась; полный burst у bob-а
	// доказывает, что ранний отказ его не тронул
	later := now.Add(time.Second)
	_, ok = m.TryConsume("bob", 100, later)
	assert.True(t, ok, "bob's bucket must be untouched by the earlier global denial")
}

func TestCostAboveBurstNeverPasses(t *testing.T) {
	m := New(Config{ActorRate: 1, ActorBurst: 5, GlobalRate: 1000, GlobalBurst: 1000})

	wait, ok := m.TryConsume("alice", 6, time.Now())
	require.False(t, ok)
	assert.True(t, wait > time.Hour, "wait hint must signal 'never'")
}

func TestHotReloadKeepsLevels(t *testing.T) {
	m := New(Config{ActorRate: 1, ActorBurst: 2, GlobalRate: 1000, GlobalBurst: 1000})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, ok := m.TryConsume("alice", 1, now)
	require.True(t, ok)

	// Расширяем емкость на лету: остаток старого уровня сохраняется,
	// накопление идет уже к новому burst
	m.Apply(Config{ActorRate: 10, ActorBurst: 4, GlobalRate: 1000, GlobalBurst: 1000}, now)

	_, ok = m.TryConsume("alice", 1, now)
	require.True(t, ok, "remaining token from before reload must survive")
	_, ok = m.TryConsume("alice", 1, now)
	require.False(t, ok, "reload must not grant free tokens")

	later := now.Add(400 * time.Millisecond) // 10/s * 0.4s = 4 токена, capped by burst
	_, ok = m.TryConsume("alice", 4, later)
	assert.True(t, ok)
}

func TestGlobalScopeSharesGlobalBucket(t *testing.T) {
	m := New(Config{ActorRate: 1000, ActorBurst: 1000, GlobalRate: 1, GlobalBurst: 2})
	now := time.Now()

	// Cost в размер всей емкости: двойное списание общей корзины не прошло бы
	_, ok := m.TryConsume(GlobalScope, 2, now)
	require.True(t, ok, "global-scope call must charge the shared bucket exactly once")
	_, ok = m.TryConsume("alice", 1, now)
	assert.False(t, ok, "global bucket is shared with named scopes")
	assert.Equal(t, 1, m.Scopes(), "only the alice bucket is materialized")
}
