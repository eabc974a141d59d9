// ABOUTME: Credential verification for REST and node WebSocket handshakes
// ABOUTME: Accepts a static bearer token or an HS256 JWT, with optional trust-localhost bypass

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Verifier validates bearer credentials. A credential is accepted when it
// matches the configured static API token (constant-time compare) or when it
// is a valid HS256 JWT signed with the configured secret.
type Verifier struct {
	apiToken       []byte
	jwtSecret      []byte
	trustLocalhost bool
}

// Options configures a Verifier. Empty fields disable the corresponding check.
type Options struct {
	APIToken       string
	JWTSecret      string
	TrustLocalhost bool
}

// NewVerifier creates a Verifier from the given options.
func NewVerifier(opts Options) *Verifier {
	v := &Verifier{trustLocalhost: opts.TrustLocalhost}
	if opts.APIToken != "" {
		v.apiToken = []byte(opts.APIToken)
	}
	if opts.JWTSecret != "" {
		v.jwtSecret = []byte(opts.JWTSecret)
	}
	return v
}

// Verify validates a bearer credential and returns the principal it names.
// Static token matches return the principal "api". JWT matches return the
// token's "sub" claim.
func (v *Verifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}

	if len(v.apiToken) > 0 &&
		subtle.ConstantTimeCompare([]byte(token), v.apiToken) == 1 {
		return "api", nil
	}

	if len(v.jwtSecret) > 0 {
		return v.verifyJWT(token)
	}

	return "", ErrInvalidToken
}

// verifyJWT validates the token and extracts the principal from the "sub" claim.
func (v *Verifier) verifyJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	return sub, nil
}

// Generate creates a new HS256 JWT for the given principal with expiration.
// Requires a configured JWT secret.
func (v *Verifier) Generate(principal string, expiresIn time.Duration) (string, error) {
	if len(v.jwtSecret) == 0 {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principal,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.jwtSecret)
}

// TrustsRemote reports whether the given RemoteAddr may skip credential
// checks under the trust-localhost allowance.
func (v *Verifier) TrustsRemote(remoteAddr string) bool {
	if !v.trustLocalhost {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// VerifyRequest checks an HTTP request's credential, honoring trust-localhost.
// Returns the principal name or an error suitable for a 401 response.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		if v.TrustsRemote(r.RemoteAddr) {
			return "localhost", nil
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidToken, errMsg)
	}
	return v.Verify(token)
}

// Middleware enforces bearer auth on an HTTP handler.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := v.VerifyRequest(r); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware applies a configurable allow-list for browser-originated
// requests. An empty allow-list disables CORS headers entirely.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowed["*"] || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
