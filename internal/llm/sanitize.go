package llm

import (
	"regexp"
	"strings"

	"github.com/trellislabs/trellis/internal/errs"
)

// Models wrap JSON in prose, code fences, or both, and occasionally leave a
// trailing comma where strict JSON forbids one. Sanitize recovers the
// outermost JSON document from a raw completion without ever trusting the
// text around it.

var trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)

// Sanitize extracts the outermost JSON object or array from a model
// response: code fences stripped, leading and trailing prose dropped,
// trailing commas repaired. Returns a Data error when no JSON document can
// be found.
func Sanitize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", errs.New(errs.Data, "empty llm response")
	}

	s = stripFences(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", errs.New(errs.Data, "no JSON document in llm response")
	}
	openCh := s[start]
	var closeCh byte = '}'
	if openCh == '[' {
		closeCh = ']'
	}

	end := matchOutermost(s, start, openCh, closeCh)
	if end < 0 {
		return "", errs.New(errs.Data, "unterminated JSON document in llm response")
	}

	doc := s[start : end+1]
	doc = trailingCommaRe.ReplaceAllString(doc, "$1")
	return doc, nil
}

// stripFences removes a surrounding ``` block, with or without a language
// tag, leaving inner content untouched.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := s[3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if i := strings.LastIndex(rest, "```"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(rest)
}

// matchOutermost scans from the opening bracket to its matching close,
// honoring JSON string literals and escapes so brackets inside strings do
// not unbalance the walk. Returns -1 when the document never closes.
func matchOutermost(s string, start int, openCh, closeCh byte) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == openCh:
			depth++
		case !inString && ch == closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
