package middleware

import (
	"html"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

const maxHeaderValueSize = 8192

var (
	// SQL injection patterns are logged, not blocked; all queries are parameterised.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)

	strictPolicy = bluemonday.StrictPolicy()
)

// Sanitize rejects requests with path traversal, null bytes, header
// injection or script fragments in query parameters. SQL-looking query
// values are only logged.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if reason := rejectReason(req); reason != "" {
				logger.Warn().
					Str("reason", reason).
					Str("path", req.URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg("request rejected by sanitizer")
				return echo.NewHTTPError(http.StatusBadRequest, reason)
			}
			for key, values := range req.URL.Query() {
				if slices.ContainsFunc(values, sqlPatterns.MatchString) {
					logger.Warn().
						Str("param", key).
						Str("path", req.URL.Path).
						Str("remote_ip", c.RealIP()).
						Msg("SQL-like query parameter")
				}
			}
			return next(c)
		}
	}
}

// rejectReason returns why req must be refused, or "".
func rejectReason(req *http.Request) string {
	paths := []string{req.URL.Path, req.URL.EscapedPath()}
	if slices.ContainsFunc(paths, containsPathTraversal) {
		return "path traversal detected"
	}
	if slices.ContainsFunc(paths, containsNullByte) {
		return "null byte injection detected"
	}
	for name, values := range req.Header {
		for _, v := range values {
			if len(v) > maxHeaderValueSize {
				return "header value exceeds maximum size: " + name
			}
			if strings.ContainsAny(v, "\r\n") {
				return "header injection detected: " + name
			}
		}
	}
	for key, values := range req.URL.Query() {
		if containsNullByte(key) || slices.ContainsFunc(values, containsNullByte) {
			return "null byte injection detected in query parameter"
		}
		if scriptPatterns.MatchString(key) || slices.ContainsFunc(values, scriptPatterns.MatchString) {
			return "script injection detected in query parameter"
		}
	}
	return ""
}

func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

// SanitizeString strips null bytes and control characters other than
// newline, carriage return and tab, then trims surrounding whitespace.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\x00' {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// SanitizeText is SanitizeString plus removal of all HTML markup. Used for
// free text that is later shown to other users, such as special notes.
func SanitizeText(input string) string {
	return html.UnescapeString(strictPolicy.Sanitize(SanitizeString(input)))
}
