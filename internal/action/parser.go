package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoJSON means no JSON object could be extracted from the response text.
var ErrNoJSON = errors.New("no json object found in response")

// wire is the schema the LLM is asked to emit. Value is loosely typed: it
// carries a URL, typed text or a boolean depending on the action kind.
type wire struct {
	Action      string `json:"action"`
	TargetImage *int   `json:"target_image"`
	TargetID    string `json:"target_id"`
	LocationX   *int   `json:"location_x"`
	LocationY   *int   `json:"location_y"`
	Value       any    `json:"value"`
	Comment     string `json:"comment"`
}

// Parse extracts one Action from free-form LLM text. Strategies are tried in
// order, first success wins: the whole text as a JSON object, the contents of
// a fenced code block, then a left-to-right scan for balanced-brace
// candidates. Shapes outside the known kinds degrade to Unknown; semantic
// validation is the executor's job.
func Parse(text string) (Action, error) {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "{") {
		if act, ok := decode(trimmed); ok {
			return act, nil
		}
	}
	if block, ok := fencedBlock(trimmed); ok {
		if act, ok := decode(block); ok {
			return act, nil
		}
	}
	if candidate, ok := scanObject(trimmed); ok {
		if act, ok := decode(candidate); ok {
			return act, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoJSON, truncate(trimmed, 200))
}

func decode(s string) (Action, bool) {
	var w wire
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return nil, false
	}
	if w.Action == "" && w.Comment == "" && w.Value == nil {
		// Parsed, but not our schema at all.
		return nil, false
	}
	return fromWire(w), true
}

func fromWire(w wire) Action {
	switch w.Action {
	case "navigate":
		return Navigate{URL: stringValue(w.Value)}
	case "click":
		return Click{Target: targetOf(w)}
	case "type":
		return Type{Target: targetOf(w), Text: stringValue(w.Value)}
	case "expectation":
		return Expectation{Result: boolValue(w.Value), Comment: w.Comment}
	case "unknown":
		return Unknown{Comment: w.Comment}
	default:
		comment := w.Comment
		if comment == "" {
			comment = fmt.Sprintf("unmapped action kind %q", w.Action)
		}
		return Unknown{Comment: comment}
	}
}

func targetOf(w wire) Target {
	t := Target{ElementID: strings.TrimSpace(w.TargetID), Tile: 1}
	if w.TargetImage != nil {
		t.Tile = *w.TargetImage
	}
	if w.LocationX != nil {
		t.X = *w.LocationX
	}
	if w.LocationY != nil {
		t.Y = *w.LocationY
	}
	return t
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func boolValue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	default:
		return false
	}
}

// fencedBlock returns the contents of the first ``` fenced block, with an
// optional language tag on the opening fence stripped.
func fencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open == -1 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isLanguageTag(firstLine) {
			rest = rest[nl+1:]
		}
	}
	closing := strings.Index(rest, "```")
	if closing == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:closing]), true
}

func isLanguageTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return len(s) <= 16
}

// scanObject walks the text left to right tracking brace depth outside of
// string literals and returns the first balanced object that json.Unmarshal
// accepts as a non-null object.
func scanObject(text string) (string, bool) {
	for from := 0; from < len(text); {
		start, end := balancedBraces(text[from:])
		if start == -1 || end == -1 {
			return "", false
		}
		candidate := text[from+start : from+end]
		var probe map[string]any
		if err := json.Unmarshal([]byte(candidate), &probe); err == nil && probe != nil {
			return candidate, true
		}
		from += start + 1
	}
	return "", false
}

func balancedBraces(text string) (start, end int) {
	depth := 0
	start = -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return start, i + 1
				}
			}
		}
	}
	return start, -1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
