// Package middleware содержит HTTP middleware сервиса лояльности.
package middleware

import (
	"context"
	"crypto/sha256"
	"net/http"
	"strings"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

type contextKey string

const (
	merchantIDKey contextKey = "merchantID"
	scopesKey     contextKey = "scopes"
)

// ScopePointsWrite разрешает начисление баллов через программный API.
const (
	ScopePointsWrite = "points:write"
	// ScopePointsRead разрешает чтение баланса через программный API.
	ScopePointsRead = "points:read"
)

// TokenStore описывает поиск API-токена по хэшу.
type TokenStore interface {
	GetAPITokenByHash(ctx context.Context, hash []byte) (*model.APIToken, error)
}

// TokenAuth выполняет проверку bearer-токена программного API.
// Токены хранятся в виде SHA-256 хэша и привязаны к мерчанту и набору прав.
type TokenAuth struct {
	store TokenStore
}

// NewTokenAuth создаёт новый экземпляр TokenAuth.
func NewTokenAuth(store TokenStore) *TokenAuth {
	return &TokenAuth{store: store}
}

// Middleware проверяет заголовок Authorization и добавляет мерчанта и права
// токена в контекст запроса.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		hash := sha256.Sum256([]byte(token))
		apiToken, err := a.store.GetAPITokenByHash(r.Context(), hash[:])
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), merchantIDKey, apiToken.MerchantID)
		ctx = context.WithValue(ctx, scopesKey, apiToken.Scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope возвращает middleware, пропускающий только токены с указанным правом.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scopes, ok := r.Context().Value(scopesKey).([]string)
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			for _, s := range scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// GetMerchantIDFromContext извлекает идентификатор мерчанта из контекста запроса.
func GetMerchantIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(merchantIDKey).(int64)
	return id, ok
}

// TokenKeyFunc возвращает ключ ограничения частоты запросов: лимит действует
// на каждый токен отдельно.
func TokenKeyFunc(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		hash := sha256.Sum256([]byte(token))
		return string(hash[:8]), nil
	}
	return r.RemoteAddr, nil
}
