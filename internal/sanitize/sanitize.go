// Package sanitize strips credential material from error text before it is
// persisted on a job or written to a log.
package sanitize

import "regexp"

var (
	queryCredentialRe = regexp.MustCompile(`(?i)([?&](?:key|secret|token|api_key|apikey|password|auth|client_id|client_secret|refresh_token)=)[^&\s'"]+`)
	authHeaderRe      = regexp.MustCompile(`(?i)(Authorization|Bearer|Token)[\s:]+[^\s'"]+`)
	basicCredRe       = regexp.MustCompile(`Basic\s+[A-Za-z0-9+/]+=*`)
)

const redacted = "***REDACTED***"

// ErrorMessage returns msg with query-string credentials, authorization
// headers, and base64 basic-auth blobs replaced by a redaction marker.
func ErrorMessage(msg string) string {
	out := queryCredentialRe.ReplaceAllString(msg, "${1}"+redacted)
	out = authHeaderRe.ReplaceAllString(out, "${1}: "+redacted)
	out = basicCredRe.ReplaceAllString(out, "Basic "+redacted)
	return out
}

// Error is a nil-safe convenience over ErrorMessage.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return ErrorMessage(err.Error())
}
