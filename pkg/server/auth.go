package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"

	"github.com/malbeclabs/daget/pkg/daget"
)

// User is the authenticated caller as seen by handlers.
type User struct {
	ID     string
	Wallet string
}

// Authenticator resolves a bearer token to a user. The real session layer
// lives behind this interface.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*User, error)
}

type userContextKey struct{}

// UserFrom returns the authenticated user stored by the auth middleware.
func UserFrom(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey{}).(*User)
	return u, ok
}

// requireAuth rejects requests without a valid bearer token and stores the
// resolved user on the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{
				Error:   "unauthorized",
				Message: "missing bearer token",
			})
			return
		}

		user, err := s.cfg.Auth.Authenticate(r.Context(), token)
		if err != nil {
			if daget.CodeOf(err) == daget.CodeAuth {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{
					Error:   "unauthorized",
					Message: "invalid bearer token",
				})
				return
			}
			writeError(w, s.log, err)
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey{}, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// StaticAuthenticator resolves tokens from a fixed table, keyed by token
// hash so raw tokens never sit in memory. Used in tests and single-tenant
// deployments.
type StaticAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]User
}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{tokens: make(map[string]User)}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Register maps a token to a user.
func (a *StaticAuthenticator) Register(token string, user User) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[hashToken(token)] = user
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, ok := a.tokens[hashToken(token)]
	if !ok {
		return nil, daget.Authf("unknown token")
	}
	return &user, nil
}
