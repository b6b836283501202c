package paygate

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/x402-foundation/x402/settle/types"
)

type verifiedKey struct{}

// Evaluator runs the handshake for one header value. *Gate implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, header string) Decision
}

// Middleware guards a plain net/http handler with the payment handshake. A
// verified request reaches next with the payment context attached; see
// VerifiedFromContext.
func Middleware(ev Evaluator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := ev.Evaluate(r.Context(), r.Header.Get(HeaderName))
			switch {
			case decision.Verified != nil:
				ctx := context.WithValue(r.Context(), verifiedKey{}, decision.Verified)
				next.ServeHTTP(w, r.WithContext(ctx))
			case decision.Rejection != nil:
				writeJSON(w, "application/json", http.StatusUnauthorized, decision.Rejection)
			default:
				writeJSON(w, ContentType, http.StatusPaymentRequired, decision.Challenge)
			}
		})
	}
}

// VerifiedFromContext returns the payment context stored by Middleware.
func VerifiedFromContext(ctx context.Context) (*types.VerifiedContext, bool) {
	v, ok := ctx.Value(verifiedKey{}).(*types.VerifiedContext)
	return v, ok && v != nil
}

func writeJSON(w http.ResponseWriter, contentType string, status int, body interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
