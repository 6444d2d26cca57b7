// Package middleware содержит HTTP middleware хаба.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const operatorKey contextKey = "operator"

const bearerPrefix = "Bearer "

// OperatorAuth проверяет токены операторов вида <operator>.<hex-hmac>.
type OperatorAuth struct {
	secretKey []byte
}

// NewOperatorAuth создаёт проверку токенов с указанным секретным ключом.
func NewOperatorAuth(secret string) *OperatorAuth {
	return &OperatorAuth{secretKey: []byte(secret)}
}

// Middleware проверяет заголовок Authorization и добавляет имя оператора в контекст запроса.
func (a *OperatorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			unauthorized(w, "missing operator token")
			return
		}

		operator, ok := a.parseToken(strings.TrimPrefix(header, bearerPrefix))
		if !ok {
			unauthorized(w, "invalid operator token")
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Token выпускает токен для оператора.
func (a *OperatorAuth) Token(operator string) string {
	return operator + "." + a.sign(operator)
}

func (a *OperatorAuth) sign(operator string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(operator))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *OperatorAuth) parseToken(token string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}

	if !hmac.Equal([]byte(parts[1]), []byte(a.sign(parts[0]))) {
		return "", false
	}
	return parts[0], true
}

// OperatorFromContext извлекает имя оператора из контекста запроса.
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey).(string)
	return op, ok
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
