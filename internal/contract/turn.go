package contract

import (
	"fmt"
	"strconv"
	"strings"
)

// DoneToken is the reserved ask value that ends an interview.
const DoneToken = "__DONE__"

// TurnReply is the interviewer's per-turn decision.
type TurnReply struct {
	Done     bool
	Ask      string
	Explain  string
	Summary  string
	RedFlags []string
	Urgent   bool
	Reason   string
}

// DecodeTurn reads a turn reply from a parsed object. Missing fields take
// their zero value; red flags are cut to maxRedFlags when it is positive.
func DecodeTurn(obj map[string]any, maxRedFlags int) TurnReply {
	ask := strings.TrimSpace(asString(obj["ask"]))
	if ask == "" {
		// older prompt revisions used "question"
		ask = strings.TrimSpace(asString(obj["question"]))
	}

	r := TurnReply{
		Ask:      ask,
		Explain:  strings.TrimSpace(asString(obj["explain"])),
		Summary:  strings.TrimSpace(asString(obj["summary"])),
		RedFlags: asStrings(obj["red_flags"]),
		Urgent:   asBool(obj["urgent"]),
		Reason:   strings.TrimSpace(asString(obj["reason"])),
	}
	r.Done = asBool(obj["done"]) || ask == DoneToken
	if ask == DoneToken {
		r.Ask = ""
	}
	if r.Reason == "" {
		r.Reason = "model"
	}
	if maxRedFlags > 0 && len(r.RedFlags) > maxRedFlags {
		r.RedFlags = r.RedFlags[:maxRedFlags]
	}
	return r
}

// ParseTurn combines ParseObject and DecodeTurn.
func ParseTurn(text string, maxRedFlags int) (TurnReply, error) {
	obj, err := ParseObject(text)
	if err != nil {
		return TurnReply{}, err
	}
	return DecodeTurn(obj, maxRedFlags), nil
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		return err == nil && b
	case float64:
		return x != 0
	default:
		return false
	}
}

func asStrings(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}
		}
		return nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s := strings.TrimSpace(asString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
