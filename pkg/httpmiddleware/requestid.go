package httpmiddleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier.
	RequestIDHeader = "X-Request-ID"
	// SessionHeader carries the shopper's cart session.
	SessionHeader = "X-Cart-Session"
)

type (
	requestIDKey struct{}
	sessionKey   struct{}
)

// RequestIDFromContext extracts the request ID from the context.
// It returns an empty string if no request ID is present.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SessionFromContext returns the cart session ID set by Session, or "".
func SessionFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok {
		return id
	}
	return ""
}

// RequestID returns a middleware that ensures every request has a unique
// identifier. A valid incoming X-Request-ID is reused: at most 128 bytes of
// printable ASCII. Otherwise a new UUID v4 is generated.
//
// The request ID is:
//   - Set on the response X-Request-ID header.
//   - Stored in the request context (retrieve with RequestIDFromContext).
func RequestID() Middleware {
	return headerID(RequestIDHeader, requestIDKey{}, isValidRequestID)
}

// Session returns a middleware that binds the request to a cart session.
// The X-Cart-Session header is reused when it holds a UUID; otherwise a new
// session is started. The session ID is echoed on the response so clients
// can keep it.
func Session() Middleware {
	return headerID(SessionHeader, sessionKey{}, isValidSessionID)
}

func headerID(header string, key any, valid func(string) bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(header)
			if !valid(id) {
				id = uuid.New().String()
			}

			w.Header().Set(header, id)

			ctx := context.WithValue(r.Context(), key, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func isValidRequestID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for i := range len(id) {
		if id[i] < 0x20 || id[i] > 0x7E {
			return false
		}
	}
	return true
}

// isValidSessionID accepts only canonical UUIDs; session IDs end up in
// storage keys and file names.
func isValidSessionID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}
