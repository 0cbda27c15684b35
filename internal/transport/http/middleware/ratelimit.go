package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"devicelink/internal/cache"
	"devicelink/internal/httputil"
)

// maxKeyBody matches the body cap httputil.DecodeJSON applies.
const maxKeyBody = 1 << 16

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// ClientIP keys on the remote address. Forwarded headers only reach it when the
// router was built to trust a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// UserOrIP keys on the signed-in user, so one account shares a budget across addresses.
// It must run after AuthResolver.Require; without an identity it falls back to ClientIP.
func UserOrIP(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok && id.UserID != 0 {
		return "user:" + strconv.FormatInt(id.UserID, 10)
	}
	return ClientIP(r)
}

// JSONField keys on a string field of the JSON body, falling back to ClientIP when
// the field is missing. The body is restored for the handler.
func JSONField(field string) KeyFunc {
	return func(r *http.Request) string {
		if r.Body == nil || r.Body == http.NoBody {
			return ClientIP(r)
		}
		buf, err := io.ReadAll(io.LimitReader(r.Body, maxKeyBody+1))
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
		if err != nil || len(buf) > maxKeyBody {
			return ClientIP(r)
		}

		var fields map[string]json.RawMessage
		if json.Unmarshal(buf, &fields) != nil {
			return ClientIP(r)
		}
		var v string
		if json.Unmarshal(fields[field], &v) != nil || v == "" {
			return ClientIP(r)
		}
		return field + ":" + v
	}
}

// RateLimit rejects requests over the limiter's budget with 429 and Retry-After.
// Each scope has its own budget.
func RateLimit(limiter cache.Limiter, scope string, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := limiter.Allow(r.Context(), scope+":"+key(r))
			if !decision.Allowed {
				httputil.WriteTooManyRequests(w, decision.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
