// Package auth resolves the actor behind an administrative request.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	MethodAPIKey = "api_key"
	MethodPublic = "public"

	// AnonymousID is the actor id for unauthenticated callers.
	AnonymousID = "anonymous"
)

// Actor is who made a request and how they proved it.
type Actor struct {
	ID         string `json:"id"`
	AuthMethod string `json:"authMethod"`
}

// Anonymous is the actor of a request without valid credentials.
var Anonymous = Actor{ID: AnonymousID, AuthMethod: MethodPublic}

// Authenticator maps API key hashes to actor ids.
type Authenticator struct {
	actors map[string]string // keyhash -> actor id
}

// NewAuthenticator takes a map of sha256 hex key hashes to actor ids.
func NewAuthenticator(keys map[string]string) *Authenticator {
	a := &Authenticator{actors: make(map[string]string, len(keys))}
	for hash, actor := range keys {
		a.actors[strings.ToLower(hash)] = actor
	}
	return a
}

// ValidateAPIKey returns the actor owning apiKey.
func (a *Authenticator) ValidateAPIKey(apiKey string) (Actor, error) {
	keyHash := HashAPIKey(apiKey)

	var matched string
	for hash, id := range a.actors {
		if subtle.ConstantTimeCompare([]byte(keyHash), []byte(hash)) == 1 {
			matched = id
		}
	}
	if matched == "" {
		return Actor{}, fmt.Errorf("invalid API key")
	}
	return Actor{ID: matched, AuthMethod: MethodAPIKey}, nil
}

// Resolve returns the actor for r. Missing or unknown keys resolve to
// Anonymous; access policy is applied later by the ops guard.
func (a *Authenticator) Resolve(r *http.Request) Actor {
	if a == nil {
		return Anonymous
	}
	key, err := ExtractAPIKey(r)
	if err != nil {
		return Anonymous
	}
	actor, err := a.ValidateAPIKey(key)
	if err != nil {
		return Anonymous
	}
	return actor
}

// ExtractAPIKey extracts the API key from the Authorization header
func ExtractAPIKey(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored in ctx, or Anonymous.
func ActorFrom(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorKey{}).(Actor); ok {
		return actor
	}
	return Anonymous
}

// Middleware resolves the actor of every request and stores it in the
// request context. It never rejects a request.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), a.Resolve(r))))
	})
}
