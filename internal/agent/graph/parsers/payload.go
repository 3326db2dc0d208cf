package parsers

import (
	"encoding/json"
	"fmt"
	"strings"

	errx "github.com/promptchain/server/internal/core/error"
	logx "github.com/promptchain/server/pkg/logger"
)

// basic safety limits to avoid pathological inputs
const (
	maxContentLen = 128 * 1024 // 128KB
	maxCandidates = 64         // maximum number of '{' starts tried
	maxErrSnippet = 200        // limit error snippet size
)

// ExtractPayload finds the structured JSON object in a model response. The
// response may be a bare object, a fenced code block, or prose with an object
// embedded somewhere in it.
func ExtractPayload(content string) (string, error) {
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", "payload_parser").
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content rejected due to size limit")
		return "", errx.Parse(
			fmt.Errorf("content is %d bytes, limit is %d", len(content), maxContentLen),
			fmt.Sprintf("model output exceeds the %d byte limit", maxContentLen),
		)
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", errx.Parse(fmt.Errorf("empty content"), "no structured payload in model output")
	}

	if fenced, ok := fencedBlock(trimmed); ok {
		if obj, ok := firstObject(fenced); ok {
			return obj, nil
		}
	}
	if obj, ok := firstObject(trimmed); ok {
		return obj, nil
	}
	return "", errx.Parse(fmt.Errorf("no json object in %q", safeSnippet(trimmed)), "no structured payload in model output")
}

// fencedBlock returns the body of the first ``` fence, skipping an optional
// language tag.
func fencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || isLangTag(tag) {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func isLangTag(tag string) bool {
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// firstObject scans for the first balanced {...} that is valid JSON.
func firstObject(s string) (string, bool) {
	tried := 0
	for i := 0; i < len(s) && tried < maxCandidates; i++ {
		if s[i] != '{' {
			continue
		}
		tried++
		end, ok := matchBrace(s, i)
		if !ok {
			continue
		}
		candidate := s[i : end+1]
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start, ignoring
// braces inside JSON strings.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func safeSnippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:maxErrSnippet]
}
