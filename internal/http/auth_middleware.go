package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/splax/buildboard/internal/metrics"
)

type authContextKey string

type authInfo struct {
	Method   string
	Provider string
}

const contextKeyAuth authContextKey = "buildboard-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// authenticateWebhook verifies the delivery and enriches the context. The body is needed
// because signatures cover the raw payload.
func (r *Router) authenticateWebhook(w http.ResponseWriter, req *http.Request, provider string, body []byte) (context.Context, bool) {
	if r.verifier == nil {
		r.logger.Error("webhook verifier not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "webhook authentication misconfigured")
		return req.Context(), false
	}
	if err := r.verifier.Verify(req.Header, body); err != nil {
		r.logger.Warn("webhook authentication failed", "error", err, "provider", provider, "path", req.URL.Path)
		r.sink.WebhookReceived(provider, metrics.OutcomeUnauthorized)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	method := "signature"
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(req.Header.Get("Authorization"))), "bearer ") {
		method = "write_key"
	}
	info := authInfo{Method: method, Provider: provider}
	return context.WithValue(req.Context(), contextKeyAuth, info), true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

// authenticateAdmin checks the credentials of a management request.
func (r *Router) authenticateAdmin(w http.ResponseWriter, req *http.Request, body []byte) bool {
	if r.verifier == nil {
		writeError(w, http.StatusInternalServerError, "authentication misconfigured")
		return false
	}
	if err := r.verifier.Verify(req.Header, body); err != nil {
		r.logger.Warn("management authentication failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	return true
}
