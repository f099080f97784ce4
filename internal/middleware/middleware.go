package middleware

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

// RequestLogger logs incoming requests
func RequestLogger(log logf.Logger) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		start := time.Now()

		// Store start time for later use
		r.RequestCtx.SetUserValue("request_start", start)

		log.Debug("Request",
			"method", string(r.RequestCtx.Method()),
			"path", string(r.RequestCtx.Path()),
		)
		return r
	}
}

// ParseAllowedOrigins parses a comma-separated list of allowed origins into a set.
func ParseAllowedOrigins(allowedOrigins string) map[string]bool {
	origins := make(map[string]bool)
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins[o] = true
		}
	}
	return origins
}

// IsOriginAllowed checks if origin is in the allowed set.
// If no origins are configured, all origins are allowed (development mode).
func IsOriginAllowed(origin string, allowedOrigins map[string]bool) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	return allowedOrigins[origin]
}

// CORS handles Cross-Origin Resource Sharing with origin validation.
func CORS(allowedOrigins map[string]bool) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		origin := string(r.RequestCtx.Request.Header.Peek("Origin"))

		if origin != "" && IsOriginAllowed(origin, allowedOrigins) {
			r.RequestCtx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			r.RequestCtx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
		}

		r.RequestCtx.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS, PATCH")
		r.RequestCtx.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		r.RequestCtx.Response.Header.Set("Access-Control-Max-Age", "86400")

		return r
	}
}

// SecurityHeaders adds standard security headers to every response.
func SecurityHeaders() fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		h := &r.RequestCtx.Response.Header
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		return r
	}
}

// Recovery recovers from panics
func Recovery(log logf.Logger) fastglue.FastMiddleware {
	return func(r *fastglue.Request) *fastglue.Request {
		defer func() {
			if err := recover(); err != nil {
				log.Error("Panic recovered", "error", err, "path", string(r.RequestCtx.Path()))
				r.RequestCtx.SetStatusCode(fasthttp.StatusInternalServerError)
				r.RequestCtx.SetBodyString(`{"status":"error","message":"Internal server error"}`)
			}
		}()
		return r
	}
}
