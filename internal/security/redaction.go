// Package security scrubs credentials out of backend command lines and
// diagnostics before they reach logs, notices or the operation journal.
package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|license[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern   = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemBlockPattern   = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	sshURLUserPattern = regexp.MustCompile(`(?i)(ssh://)[^\s/@]+@`)
	// ssh prints "user@host: Permission denied" and similar.
	sshUserPattern = regexp.MustCompile(`\b[A-Za-z0-9._-]+@([A-Za-z0-9.-]+)`)
	secretArgName  = regexp.MustCompile(`(?i)(?:password|passwd|secret|api[_-]?key|license[_-]?key|token)`)
)

// Redact replaces credential values and remote user names in s.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(s, "[REDACTED_PRIVATE_KEY]")
	out = jsonSecretPattern.ReplaceAllString(out, `${1}"`+marker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + marker
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer "+marker)
	out = sshURLUserPattern.ReplaceAllString(out, "${1}"+marker+"@")
	out = sshUserPattern.ReplaceAllString(out, marker+"@${1}")
	return out
}

// RedactArgs returns a copy of a command line with the value of every
// secret-looking name=value argument replaced.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		name, _, ok := strings.Cut(arg, "=")
		if ok && secretArgName.MatchString(name) {
			out[i] = name + "=" + marker
			continue
		}
		out[i] = Redact(arg)
	}
	return out
}
