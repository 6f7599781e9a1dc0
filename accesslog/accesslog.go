// Package accesslog wraps HTTP handlers with zerolog request logging.
package accesslog

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Wrap attaches l to every request context, tags requests with an id and logs
// one line per completed request.
func Wrap(l zerolog.Logger, h http.Handler) http.Handler {
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		ev := hlog.FromRequest(r).Info()
		if status >= http.StatusInternalServerError {
			ev = hlog.FromRequest(r).Error()
		}
		ev.Str("method", r.Method).
			Str("url", loggedURL(r, status)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	})(h)
	h = hlog.RemoteAddrHandler("remote")(h)
	h = hlog.RequestIDHandler("req_id", "X-Request-Id")(h)
	return hlog.NewHandler(l)(h)
}

// loggedURL keeps only the first path segment of forbidden requests so a
// rejected traversal path never reaches the logs.
func loggedURL(r *http.Request, status int) string {
	if status != http.StatusForbidden {
		return r.URL.String()
	}
	p := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return "/" + p[:i+1] + "[redacted]"
	}
	return "/[redacted]"
}
