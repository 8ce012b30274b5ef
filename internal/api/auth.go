package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer is the iss claim of tokens minted by GenerateToken.
const TokenIssuer = "loxone2mqtt"

// ErrInvalidToken is returned by ParseToken for any token that fails validation.
var ErrInvalidToken = errors.New("api: invalid token")

// GenerateToken mints an HS256 bearer token for subject.
//
// Parameters:
//   - secret: The shared secret from security.jwt_secret
//   - subject: Free-form caller name, logged with each request
//   - ttl: Token lifetime; zero means the token never expires
//   - now: Issue time
//
// Returns:
//   - string: The signed token
//   - error: If secret is empty or signing fails
func GenerateToken(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("jwt secret is required")
	}

	claims := jwt.RegisteredClaims{
		Issuer:   TokenIssuer,
		Subject:  subject,
		ID:       uuid.NewString(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token minted by GenerateToken and returns its claims.
func ParseToken(secret, token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return claims, nil
}

// bearerToken extracts the token from the Authorization header, falling
// back to the token query parameter when allowQuery is set.
func bearerToken(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if allowQuery {
		return r.URL.Query().Get("token")
	}
	return ""
}

// requireToken returns middleware enforcing bearer auth. It is a no-op when
// no secret is configured.
func (s *Server) requireToken(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s.cfg.Security.JWTSecret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r, allowQuery)
			if token == "" {
				writeUnauthorized(w, "bearer token required")
				return
			}
			claims, err := ParseToken(s.cfg.Security.JWTSecret, token)
			if err != nil {
				s.logger.Debug("rejected token", "error", err, "request_id", r.Context().Value(ctxKeyRequestID))
				writeUnauthorized(w, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), claims.Subject)))
		})
	}
}
