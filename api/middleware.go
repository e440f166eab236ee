package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/maritimecloud/idreg/auth"
)

type contextKey int

const principalKey contextKey = iota

// CertificateAuth authenticates the caller by client certificate and stores
// the resulting *auth.Principal on the request context. The certificate is
// taken from the verified TLS peer chain, or from the configured forwarding
// header when the direct peer is a trusted proxy.
func (a *API) CertificateAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, a.trustedProxies)
		if blocked, retryAfter := a.limiter.check(ip); blocked {
			a.audit.logFailure(AuditAuthRateLimited, r, "too many failures", slog.String("client_ip", ip))
			writeRateLimited(w, retryAfter)
			return
		}

		p, err := a.authenticate(r)
		if err != nil {
			a.limiter.recordFailure(ip)
			stage, reason := "unknown", "authentication failed"
			var rej *auth.Rejection
			if errors.As(err, &rej) {
				stage, reason = rej.Stage.String(), rej.Reason
			}
			a.metrics.authentication.WithLabelValues("rejected", stage).Inc()
			a.audit.logFailure(AuditAuthFailure, r, reason,
				slog.String("stage", stage),
				slog.String("client_ip", ip))
			mapError(w, err)
			return
		}
		a.limiter.recordSuccess(ip)
		a.metrics.authentication.WithLabelValues("authenticated", auth.StageAuthenticated.String()).Inc()

		ctx := context.WithValue(r.Context(), principalKey, p)
		r = r.WithContext(ctx)
		a.audit.log(AuditAuthSuccess, r,
			slog.String("event_id", p.EventID),
			slog.String("serial", p.Identity.Serial.String()))
		next.ServeHTTP(w, r)
	})
}

func (a *API) authenticate(r *http.Request) (*auth.Principal, error) {
	ctx := r.Context()
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return a.auth.AuthenticateCertificate(ctx, r.TLS.PeerCertificates[0])
	}
	var raw string
	if a.clientCertHeader != "" && peerTrusted(r, a.trustedProxies) {
		raw = r.Header.Get(a.clientCertHeader)
	}
	return a.auth.Authenticate(ctx, []byte(raw))
}

// RequireRole rejects principals that hold none of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFromContext(r.Context())
			if p == nil {
				mapError(w, auth.ErrRejected)
				return
			}
			for _, role := range roles {
				if p.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			mapError(w, errForbidden)
		})
	}
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func principalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}
