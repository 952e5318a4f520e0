package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig holds the credential set for the authentication gate.
type AuthConfig struct {
	// Enabled gates all MCP endpoints behind credentials. The health
	// endpoint is never gated.
	Enabled bool `yaml:"enabled"`

	// JWTSecret verifies HMAC-signed bearer tokens when set.
	JWTSecret string `yaml:"jwt_secret"`

	// APIKeys maps a key label to a bcrypt hash of the key value.
	APIKeys map[string]string `yaml:"api_keys"`
}

// Auth returns middleware enforcing the configured credential set.
//
// Tokens are taken from the Authorization Bearer header, falling back to
// X-API-Key. Bearer tokens are verified as HMAC JWTs when a secret is
// configured; anything that fails JWT verification is retried against
// the API key set. Failures return 401 before a session is created.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			var token string
			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
			if token == "" {
				token = r.Header.Get("X-API-Key")
			}
			if token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized: missing authentication token", http.StatusUnauthorized)
				return
			}

			principal, err := verify(cfg, token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}

			r = r.WithContext(WithPrincipal(r.Context(), principal))
			next.ServeHTTP(w, r)
		})
	}
}

func verify(cfg AuthConfig, token string) (Principal, error) {
	if cfg.JWTSecret != "" {
		if p, err := verifyJWT(cfg.JWTSecret, token); err == nil {
			return p, nil
		}
	}
	for label, hash := range cfg.APIKeys {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			return Principal{Name: label}, nil
		}
	}
	return Principal{}, fmt.Errorf("invalid credentials")
}

func verifyJWT(secret, token string) (Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return Principal{}, fmt.Errorf("token has no subject")
	}
	return Principal{Name: subject}, nil
}
