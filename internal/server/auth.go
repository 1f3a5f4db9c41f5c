package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"unsaid/internal/engine"
	"unsaid/internal/engine/auth"
	"unsaid/internal/repo"
)

type AuthConfig struct {
	Issuer auth.Issuer
	// IdentityKey is the shared secret the identity broker presents on POST /auth/session.
	IdentityKey   string
	AllowDevLogin bool
	Logger        logrus.FieldLogger
}

const (
	sourceJWT    = "jwt"
	sourceAPIKey = "api_key"
)

type Principal struct {
	ActorID string
	Source  string
	// Identity is set for bearer tokens, resolved from the store when the request arrived.
	Identity *auth.Identity
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ActorID != ""
}

func unauthorized() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// currentIdentity returns the signed-in user the auth middleware resolved for this request.
func currentIdentity(ctx context.Context) (auth.Identity, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok || p.Source != sourceJWT || p.Identity == nil {
		return auth.Identity{}, unauthorized()
	}
	return *p.Identity, nil
}

// requireAdmin accepts operator API keys and users holding the admin role. It returns the acting id.
func requireAdmin(ctx context.Context) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return "", unauthorized()
	}
	if p.Source == sourceAPIKey {
		return p.ActorID, nil
	}
	id, authErr := currentIdentity(ctx)
	if authErr != nil {
		return "", authErr
	}
	if !id.IsAdmin() {
		return "", handleError(auth.ForbiddenError{Permission: repo.RoleAdmin})
	}
	return id.OwnerID, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.ActorID == "" {
		return Principal{}, errors.New("api key missing actor")
	}
	return Principal{ActorID: apiKey.ActorID, Source: sourceAPIKey}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches a principal when credentials are present and rejects bad ones.
// Bearer tokens are resolved to an identity here, so entitlement is read once per request from the store.
// Requests without credentials pass through; each operation decides what it needs.
func newAuthMiddleware(streamPath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	resolver := auth.Resolver{Issuer: cfg.Issuer, Store: e.Repo, Now: e.Now}
	reject := func(w http.ResponseWriter, req *http.Request, err error) {
		logger.WithError(err).WithField("path", req.URL.Path).Debug("Rejected credentials")
		respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			if authz == "" && req.URL.Path == streamPath {
				// browsers cannot set headers on a websocket handshake
				if token := strings.TrimSpace(req.URL.Query().Get("access_token")); token != "" {
					authz = "Bearer " + token
				}
			}

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					reject(w, req, errors.New("malformed authorization header"))
					return
				}
				id, err := resolver.Resolve(req.Context(), token)
				if errors.Is(err, auth.ErrUnauthenticated) {
					reject(w, req, err)
					return
				}
				if err != nil {
					respondStatusError(w, handleError(err))
					return
				}
				ctx := withPrincipal(req.Context(), Principal{ActorID: id.OwnerID, Source: sourceJWT, Identity: &id})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), e.Repo, apiKeyHeader)
				if err != nil {
					reject(w, req, err)
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			next.ServeHTTP(w, req)
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
