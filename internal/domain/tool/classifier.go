// Package tool classifies tool sensitivity from names, descriptions, and
// parameter names, and records manual overrides of the automatic result.
package tool

import (
	"sort"
	"strings"
	"time"

	"github.com/sark-gateway/sark/internal/domain/authz"
)

// criticalKeywords indicate credential or payment handling. First tier.
var criticalKeywords = []string{
	"payment", "transaction", "credit_card", "password", "secret",
	"key", "token", "credential", "auth", "permission",
	"access_control", "encrypt", "decrypt",
}

// highKeywords indicate destructive or privileged operations.
var highKeywords = []string{
	"delete", "drop", "exec", "admin", "root", "sudo",
	"kill", "destroy", "remove", "purge", "truncate",
}

// mediumKeywords indicate mutating operations.
var mediumKeywords = []string{
	"write", "update", "modify", "create", "insert", "save",
	"upload", "put", "post", "patch",
}

// lowKeywords indicate read-only operations.
var lowKeywords = []string{
	"read", "get", "list", "fetch", "view", "show",
	"query", "search", "find",
}

// Detect classifies a tool from its name, description, and parameter names.
// Matching is case-insensitive, respects word boundaries, and treats
// underscores and spaces as equivalent separators. First matching tier wins;
// tools matching nothing default to medium.
//
// Detect is deterministic: the same inputs always produce the same level.
func Detect(name, description string, parameters map[string]any) authz.Sensitivity {
	words := tokenize(name, description, parameters)

	for _, kw := range criticalKeywords {
		if matchKeyword(words, kw) {
			return authz.SensitivityCritical
		}
	}
	for _, kw := range highKeywords {
		if matchKeyword(words, kw) {
			return authz.SensitivityHigh
		}
	}
	for _, kw := range mediumKeywords {
		if matchKeyword(words, kw) {
			return authz.SensitivityMedium
		}
	}
	for _, kw := range lowKeywords {
		if matchKeyword(words, kw) {
			return authz.SensitivityLow
		}
	}
	return authz.SensitivityMedium
}

// tokenize splits the combined text into lowercase words. Underscores,
// spaces, hyphens, dots, and slashes all act as word boundaries, and
// camelCase transitions are split so "deleteUser" yields "delete", "user".
func tokenize(name, description string, parameters map[string]any) map[string]bool {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte(' ')
	sb.WriteString(description)
	if len(parameters) > 0 {
		keys := make([]string, 0, len(parameters))
		for k := range parameters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(' ')
			sb.WriteString(k)
		}
	}

	split := splitCamel(sb.String())
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(split), isSeparator) {
		if w != "" {
			words[w] = true
		}
	}
	return words
}

// matchKeyword checks a keyword against the word set. Compound keywords like
// "credit_card" tokenize into parts, so they match when every part appears.
func matchKeyword(words map[string]bool, kw string) bool {
	for _, p := range strings.Split(kw, "_") {
		if !words[p] {
			return false
		}
	}
	return true
}

func isSeparator(r rune) bool {
	switch r {
	case '_', ' ', '-', '.', '/', ':', ',', '(', ')', '\t', '\n':
		return true
	}
	return false
}

// splitCamel inserts spaces at lower→upper transitions.
func splitCamel(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	var prev rune
	for _, r := range s {
		if prev != 0 && isLower(prev) && isUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

func isLower(r rune) bool { return r >= 'a' && r <= 'z' }
func isUpper(r rune) bool { return r >= 'A' && r <= 'Z' }

// Override records a human change to a tool's automatic classification.
// Retained for audit even after further changes.
type Override struct {
	ToolID        string            `json:"tool_id"`
	PreviousLevel authz.Sensitivity `json:"previous_level"`
	NewLevel      authz.Sensitivity `json:"new_level"`
	Reviewer      string            `json:"reviewer"`
	Timestamp     time.Time         `json:"timestamp"`
	Reason        string            `json:"reason"`
}
