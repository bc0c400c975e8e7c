package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// CustomClaims — полезная нагрузка админских RS256-токенов.
// Выпуск токенов — забота внешнего Identity-сервиса; шлюз только проверяет
// подпись и извлекает субъекта и права.
type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "admin": true — право резолвить заявки и дергать рубильник
	jwt.RegisteredClaims
}

// IsAdmin сообщает, может ли носитель токена выполнять админ-операции.
func (c *CustomClaims) IsAdmin() bool {
	return c != nil && c.Scopes["admin"]
}
