// Package auth guards the API with HS256 bearer tokens.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const SubjectContextKey ContextKey = "subject"

const cookieName = "auth_token"

var (
	ErrMissingToken = errors.New("Authentication required")
	ErrInvalidToken = errors.New("Invalid authentication token")
)

type Claims struct {
	jwt.RegisteredClaims
}

type Config struct {
	Enabled   bool
	JwtSecret string
	Issuer    string
	TTL       time.Duration
}

// Authenticator issues and checks tokens. A disabled Authenticator lets
// every request through.
type Authenticator struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	enabled bool
}

func New(cfg Config) (*Authenticator, error) {
	if cfg.Enabled && cfg.JwtSecret == "" {
		return nil, errors.New("auth enabled without a jwt secret")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret:  []byte(cfg.JwtSecret),
		issuer:  cfg.Issuer,
		ttl:     ttl,
		enabled: cfg.Enabled,
	}, nil
}

// Enabled returns whether authentication is enabled
func (a *Authenticator) Enabled() bool {
	return a != nil && a.enabled
}

// GenerateToken creates a JWT for subject
func (a *Authenticator) GenerateToken(subject string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("no jwt secret configured")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Validate parses tokenString and returns its subject
func (a *Authenticator) Validate(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.Subject, nil
	}
	return "", ErrInvalidToken
}

// Middleware extracts and validates the token from the request if auth is enabled
// If auth is disabled, it allows all requests through
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		var tokenString string
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tokenString = strings.TrimPrefix(h, "Bearer ")
		} else if cookie, err := r.Cookie(cookieName); err == nil {
			tokenString = cookie.Value
		}

		if tokenString == "" {
			unauthorized(w, ErrMissingToken)
			return
		}

		subject, err := a.Validate(tokenString)
		if err != nil {
			log.Debug().Err(err).Msg("rejected token")
			unauthorized(w, ErrInvalidToken)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectContextKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the authenticated subject, if any
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectContextKey).(string); ok {
		return s
	}
	return ""
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
