// Package middleware содержит HTTP middleware сервиса сертификатов.
package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

type contextKey string

const actorKey contextKey = "actor"

// SignatureHeader содержит HMAC-SHA256 тела уведомления об оплате в hex.
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

// Claims описывает содержимое токена доступа сотрудника или администратора.
type Claims struct {
	Role       model.Role `json:"role"`
	MerchantID int64      `json:"merchant_id,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware проверяет bearer-токены и подписи вебхуков.
type AuthMiddleware struct {
	secretKey  []byte
	webhookKey []byte
}

func keyOrRandom(secret string) []byte {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}
	return key
}

// NewAuthMiddleware создаёт AuthMiddleware. Пустой секрет заменяется случайным,
// тогда выданные ранее токены и подписи не пройдут проверку.
func NewAuthMiddleware(jwtSecret, webhookSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		secretKey:  keyOrRandom(jwtSecret),
		webhookKey: keyOrRandom(webhookSecret),
	}
}

// IssueToken подписывает токен для указанного участника.
func (a *AuthMiddleware) IssueToken(actor model.Actor, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role:       actor.Role,
		MerchantID: actor.MerchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secretKey)
}

func (a *AuthMiddleware) parseToken(raw string) (model.Actor, bool) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secretKey, nil
	})
	if err != nil || !token.Valid {
		return model.Actor{}, false
	}

	switch claims.Role {
	case model.RoleAdmin:
	case model.RoleMerchant:
		if claims.MerchantID <= 0 {
			return model.Actor{}, false
		}
	default:
		return model.Actor{}, false
	}

	return model.Actor{ID: claims.Subject, Role: claims.Role, MerchantID: claims.MerchantID}, true
}

// Middleware проверяет заголовок Authorization и кладёт участника в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		actor, ok := a.parseToken(strings.TrimSpace(raw))
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

// RequireAdmin пропускает только администраторов. Ставится после Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := GetActorFromContext(r.Context())
		if !ok || actor.Role != model.RoleAdmin {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SignWebhook возвращает подпись тела уведомления.
func (a *AuthMiddleware) SignWebhook(body []byte) string {
	mac := hmac.New(sha256.New, a.webhookKey)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook пропускает только уведомления с корректной подписью тела.
func (a *AuthMiddleware) VerifyWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()

		signature := strings.ToLower(strings.TrimSpace(r.Header.Get(SignatureHeader)))
		if signature == "" || !hmac.Equal([]byte(signature), []byte(a.SignWebhook(body))) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// GetActorFromContext извлекает участника из контекста запроса.
func GetActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(model.Actor)
	return actor, ok
}

// WithActor возвращает контекст с участником.
func WithActor(ctx context.Context, actor model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}
