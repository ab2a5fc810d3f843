package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mmeshcher/giftcard-ledger/internal/model"
)

func TestAuthMiddleware_WithValidToken(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "hook-secret")

	token, err := m.IssueToken(model.Actor{ID: "cashier-7", Role: model.RoleMerchant, MerchantID: 42}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	nextCalled := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		actor, ok := GetActorFromContext(r.Context())
		if !ok {
			t.Fatalf("actor not in context")
		}
		if actor.MerchantID != 42 || actor.ID != "cashier-7" || actor.Role != model.RoleMerchant {
			t.Fatalf("unexpected actor: %+v", actor)
		}
	})

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	m.Middleware(next).ServeHTTP(httptest.NewRecorder(), r)

	if !nextCalled {
		t.Fatalf("next handler was not called")
	}
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "hook-secret")
	other := NewAuthMiddleware("other-secret", "hook-secret")

	expired, _ := m.IssueToken(model.Actor{ID: "a", Role: model.RoleAdmin}, -time.Minute)
	foreign, _ := other.IssueToken(model.Actor{ID: "a", Role: model.RoleAdmin}, time.Hour)
	noMerchant, _ := m.IssueToken(model.Actor{ID: "c", Role: model.RoleMerchant}, time.Hour)
	system, _ := m.IssueToken(model.SystemActor("x"), time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "garbage", header: "Bearer abc.def.ghi"},
		{name: "expired", header: "Bearer " + expired},
		{name: "wrong secret", header: "Bearer " + foreign},
		{name: "merchant without merchant id", header: "Bearer " + noMerchant},
		{name: "system role", header: "Bearer " + system},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatalf("next handler should not be called")
			})

			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			m.Middleware(next).ServeHTTP(w, r)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name  string
		actor *model.Actor
		want  int
	}{
		{name: "admin", actor: &model.Actor{ID: "a", Role: model.RoleAdmin}, want: http.StatusOK},
		{name: "merchant", actor: &model.Actor{ID: "m", Role: model.RoleMerchant, MerchantID: 1}, want: http.StatusForbidden},
		{name: "anonymous", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/admin/instruments", nil)
			if tt.actor != nil {
				r = r.WithContext(WithActor(r.Context(), *tt.actor))
			}
			w := httptest.NewRecorder()

			RequireAdmin(next).ServeHTTP(w, r)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestVerifyWebhook(t *testing.T) {
	m := NewAuthMiddleware("test-secret", "hook-secret")
	body := `{"sessionId":"cs_1"}`

	var received string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		received = string(b)
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name      string
		signature string
		want      int
	}{
		{name: "valid", signature: m.SignWebhook([]byte(body)), want: http.StatusOK},
		{name: "valid upper case", signature: strings.ToUpper(m.SignWebhook([]byte(body))), want: http.StatusOK},
		{name: "missing", signature: "", want: http.StatusUnauthorized},
		{name: "tampered", signature: m.SignWebhook([]byte(`{"sessionId":"cs_2"}`)), want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received = ""
			r := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", strings.NewReader(body))
			if tt.signature != "" {
				r.Header.Set(SignatureHeader, tt.signature)
			}
			w := httptest.NewRecorder()

			m.VerifyWebhook(next).ServeHTTP(w, r)

			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want == http.StatusOK && received != body {
				t.Fatalf("body passed to handler = %q, want %q", received, body)
			}
		})
	}
}
