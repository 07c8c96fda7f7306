// Package redact scrubs credentials out of text that leaves the process:
// upstream error bodies, log fields and persisted routing attempts.
package redact

import (
	"regexp"
	"sort"
)

// Kind names the class of a detected secret
type Kind string

const (
	KindAnthropicKey Kind = "anthropic_key"
	KindOpenAIKey    Kind = "openai_key"
	KindBearer       Kind = "bearer"
	KindJWT          Kind = "jwt"
	KindAWSKey       Kind = "aws_key"
	KindGCPKey       Kind = "gcp_key"
	KindGitHubToken  Kind = "github_token"
	KindDatabaseURL  Kind = "database_url"
	KindAssignment   Kind = "assignment"
)

// Match is one detected secret. Start and End are byte offsets of the secret
// itself, which for assignments excludes the key name.
type Match struct {
	Kind  Kind
	Start int
	End   int
}

type rule struct {
	kind Kind
	re   *regexp.Regexp
	// group selects the submatch that holds the secret, 0 for the whole match
	group int
}

// Order matters: earlier rules claim overlapping spans first.
var rules = []rule{
	{KindAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{20,}`), 0},
	{KindOpenAIKey, regexp.MustCompile(`\bsk-(?:proj-)?[A-Za-z0-9_\-]{20,}`), 0},
	{KindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`), 0},
	{KindBearer, regexp.MustCompile(`(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{16,})`), 1},
	{KindAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0},
	{KindGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`), 0},
	{KindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), 0},
	{KindDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:([^\s'"@]+)@`), 1},
	{KindAssignment, regexp.MustCompile(`(?i)\b(?:api[_\-]?key|x-api-key|access[_\-]?token|password|secret)["']?\s*[:=]\s*["']?([^\s"',;&]{8,})`), 1},
}

// Find returns the non-overlapping secrets in text ordered by position
func Find(text string) []Match {
	var found []Match
	for _, r := range rules {
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*r.group], loc[2*r.group+1]
			if start < 0 || overlaps(found, start, end) {
				continue
			}
			found = append(found, Match{Kind: r.kind, Start: start, End: end})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Start < found[j].Start })
	return found
}

// Contains reports whether text holds anything Find would report
func Contains(text string) bool {
	return len(Find(text)) > 0
}

// String replaces every detected secret with a [REDACTED:<kind>] marker
func String(text string) string {
	matches := Find(text)
	if len(matches) == 0 {
		return text
	}

	out := make([]byte, 0, len(text))
	last := 0
	for _, m := range matches {
		out = append(out, text[last:m.Start]...)
		out = append(out, "[REDACTED:"+string(m.Kind)+"]"...)
		last = m.End
	}
	out = append(out, text[last:]...)
	return string(out)
}

// Error returns err's message with secrets removed, or "" for a nil error
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

func overlaps(found []Match, start, end int) bool {
	for _, m := range found {
		if start < m.End && end > m.Start {
			return true
		}
	}
	return false
}
