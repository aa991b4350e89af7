package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/raterudder/solarsync/pkg/log"
)

const tenantHeader = "X-Tenant-ID"

// oidcVerifier reads the tenant from the "tenant" claim, falling back to the
// token subject.
func oidcVerifier(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Tenant string `json:"tenant"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", fmt.Errorf("failed to parse claims: %w", err)
		}
		if claims.Tenant != "" {
			return claims.Tenant, nil
		}
		return idToken.Subject, nil
	}
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		var tenantID string
		if s.bypassAuth {
			tenantID = strings.TrimSpace(r.Header.Get(tenantHeader))
			if tenantID == "" {
				log.Ctx(ctx).WarnContext(ctx, "missing tenant header")
				writeJSONError(w, "missing "+tenantHeader+" header", http.StatusBadRequest)
				return
			}
		} else {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				log.Ctx(ctx).WarnContext(ctx, "unauthenticated request")
				writeJSONError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				writeJSONError(w, "invalid auth header", http.StatusBadRequest)
				return
			}
			var err error
			tenantID, err = s.authenticateToken(ctx, token)
			if err != nil {
				log.Ctx(ctx).WarnContext(ctx, "auth token validation failed", slog.Any("error", err))
				writeJSONError(w, "invalid auth token", http.StatusUnauthorized)
				return
			}
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authTenantID", tenantID)))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request")
		ctx = context.WithValue(ctx, tenantContextKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	var errs []error
	for issuer, verifier := range s.oidcVerifiers {
		tenantID, err := verifier(ctx, token)
		if err == nil && tenantID != "" {
			return tenantID, nil
		}
		if err == nil {
			err = errors.New("token has no tenant")
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %w", issuer, err))
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", errors.New("no valid issuers configured or token invalid")
}
