package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "toolgate"
)

// Ключи состояния
const (
	RedisKeyKillSwitch = RedisNamespace + ":killswitch:state"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch — трансляция переключений рубильника всем инстансам.
	RedisChanKillSwitch = RedisNamespace + ":killswitch:signal"
)
