// Package contract recovers structured objects from free-form model output
// and checks them against the shapes the intake and review flows expect.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrContractViolation matches every ViolationError via errors.Is.
var ErrContractViolation = errors.New("contract violation")

// ViolationError reports model output that could not be reduced to the
// expected object.
type ViolationError struct {
	Reason  string
	Excerpt string
	Err     error
}

func (e *ViolationError) Error() string {
	msg := "contract violation: " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ViolationError) Unwrap() error { return e.Err }

func (e *ViolationError) Is(target error) bool { return target == ErrContractViolation }

func violation(reason, text string, err error) *ViolationError {
	return &ViolationError{Reason: reason, Excerpt: excerpt(text, 200), Err: err}
}

var fenceRE = regexp.MustCompile("(?i)```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")

// ParseObject extracts one JSON object from text. It tries, in order, the
// whole trimmed text, the first fenced code block, and the first
// brace-balanced span. Top-level keys of the result are lower-cased.
func ParseObject(text string) (map[string]any, error) {
	t := strings.TrimSpace(text)

	if obj, ok := decodeObject(t); ok {
		return lowerKeys(obj), nil
	}

	if m := fenceRE.FindStringSubmatch(t); m != nil {
		if obj, ok := decodeObject(m[1]); ok {
			return lowerKeys(obj), nil
		}
	}

	candidate, found := ScanObject(t)
	if !found {
		if strings.Contains(t, "{") {
			return nil, violation("unbalanced-object", t, nil)
		}
		return nil, violation("no-json-object-found", t, nil)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, violation("invalid-json", candidate, err)
	}
	if obj == nil {
		return nil, violation("not-an-object", candidate, nil)
	}
	return lowerKeys(obj), nil
}

// ScanObject returns the span from the first '{' to the brace that closes
// it. Braces inside string literals do not count.
func ScanObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// lowerKeys folds keys to lower case. A key already in lower case wins
// over its mixed-case variants; among those the smallest key wins.
func lowerKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	from := make(map[string]string, len(obj))
	for k, v := range obj {
		lk := strings.ToLower(k)
		prev, seen := from[lk]
		if seen && (prev == lk || (k != lk && prev < k)) {
			continue
		}
		out[lk], from[lk] = v, k
	}
	return out
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// RequireKeys fails when any of keys is absent from obj.
func RequireKeys(obj map[string]any, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &ViolationError{Reason: fmt.Sprintf("missing-keys: %s", strings.Join(missing, ","))}
	}
	return nil
}
