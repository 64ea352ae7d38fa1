package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestStaticToken(t *testing.T) {
	valid := signedToken(t, time.Now().Add(time.Hour))
	expired := signedToken(t, time.Now().Add(-time.Minute))

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"valid jwt", valid, valid},
		{"expired jwt", expired, ""},
		{"opaque token", "opaque-token", "opaque-token"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &StaticToken{Token: tt.token}
			got, err := p.Authenticate(context.Background(), "https://org.example")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Authenticate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStaticTokenMargin(t *testing.T) {
	soon := signedToken(t, time.Now().Add(30*time.Second))
	p := &StaticToken{Token: soon, Margin: time.Minute}
	got, _ := p.Authenticate(context.Background(), "https://org.example")
	if got != "" {
		t.Error("token expiring within margin should be treated as missing")
	}
}

func TestBearerHeader(t *testing.T) {
	h := (&StaticToken{}).AuthHeader("abc")
	if h.Get("Authorization") != "Bearer abc" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("OData-Version") != "4.0" {
		t.Errorf("OData-Version = %q", h.Get("OData-Version"))
	}
}

func TestClientCredentials(t *testing.T) {
	var calls atomic.Int32
	var gotScope string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		r.ParseForm()
		gotScope = r.Form.Get("scope")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "issued-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer ts.Close()

	p := &ClientCredentials{ClientID: "id", ClientSecret: "secret", TokenURL: ts.URL}
	for i := 0; i < 2; i++ {
		tok, err := p.Authenticate(context.Background(), "https://org.example/")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if tok != "issued-token" {
			t.Errorf("token = %q", tok)
		}
	}
	if gotScope != "https://org.example/.default" {
		t.Errorf("scope = %q", gotScope)
	}
	if calls.Load() != 1 {
		t.Errorf("expected cached token after first call, got %d token requests", calls.Load())
	}
}
