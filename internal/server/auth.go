package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"launchpad/internal/domain"
	"launchpad/internal/validate"
)

// AuthConfig enables shared-key and wallet JWT authentication. With both empty every request
// is accepted.
type AuthConfig struct {
	APIKey    string
	JWTSecret string
}

func (c AuthConfig) enabled() bool {
	return c.APIKey != "" || c.JWTSecret != ""
}

// Principal is the authenticated caller. Wallet is set for JWT callers only.
type Principal struct {
	Wallet string
	Source string
}

// ForbiddenError rejects a write on behalf of a wallet the caller does not control.
type ForbiddenError struct {
	Wallet string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("token subject does not own wallet %s", e.Wallet)
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// requireWallet allows the write unless the caller is a JWT principal for another wallet.
func requireWallet(ctx context.Context, wallet string) error {
	p, ok := principalFromContext(ctx)
	if !ok || p.Source != "jwt" {
		return nil
	}
	if p.Wallet != wallet {
		return ForbiddenError{Wallet: wallet}
	}
	return nil
}

// redact hides identity credentials from JWT callers that do not own the launch.
func redact(ctx context.Context, l domain.Launch) domain.Launch {
	p, ok := principalFromContext(ctx)
	if !ok || p.Source != "jwt" || p.Wallet == l.CreatorWallet {
		return l
	}
	l.IdentityAPIKey = nil
	l.IdentityVerificationCode = nil
	return l
}

type jwtClaims struct {
	jwt.RegisteredClaims
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if !validate.PublicKey(claims.Subject) {
		return Principal{}, errors.New("subject claim must be a wallet address")
	}
	return Principal{Wallet: claims.Subject, Source: "jwt"}, nil
}

func authenticateAPIKey(key, expected string) (Principal, error) {
	if expected == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
		return Principal{}, errors.New("invalid api key")
	}
	return Principal{Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !cfg.enabled() || !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			key := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if key == "" {
				key = strings.TrimSpace(req.Header.Get("apikey"))
			}

			if key != "" {
				principal, err := authenticateAPIKey(key, cfg.APIKey)
				if err != nil {
					logger.Info("rejected api key", zap.String("path", req.URL.Path))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Info("rejected bearer token", zap.String("path", req.URL.Path), zap.Error(err))
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
