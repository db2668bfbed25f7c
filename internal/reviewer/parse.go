package reviewer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
)

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ParseVerdict extracts the structured verdict from reviewer stdout.
//
// Preferred form is a fenced JSON block with review_performed, verdict,
// issues, and summary. Fallback is the first raw JSON object mentioning
// "review_performed", run through jsonrepair first since LLM output often
// carries trailing commas or unquoted keys.
func ParseVerdict(stdout string) (*Result, error) {
	if m := fencedJSONPattern.FindStringSubmatch(stdout); len(m) == 2 {
		if res, err := parseVerdictJSON(m[1]); err == nil {
			return res, nil
		}
	}

	raw := firstJSONObject(stdout)
	if raw == "" {
		return nil, fmt.Errorf("no verdict JSON found in output")
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		repaired = raw
	}
	return parseVerdictJSON(repaired)
}

func parseVerdictJSON(raw string) (*Result, error) {
	doc := gjson.Parse(raw)
	if !doc.Get("review_performed").Bool() {
		return nil, fmt.Errorf("review_performed is not true")
	}
	verdict := Verdict(strings.ToUpper(strings.TrimSpace(doc.Get("verdict").String())))
	if !verdict.IsReal() {
		return nil, fmt.Errorf("unknown verdict %q", doc.Get("verdict").String())
	}

	res := &Result{
		Verdict: verdict,
		Summary: doc.Get("summary").String(),
		Raw:     raw,
	}
	doc.Get("issues").ForEach(func(_, issue gjson.Result) bool {
		desc := issue.Get("description").String()
		if desc == "" {
			return true
		}
		res.Issues = append(res.Issues, fmt.Sprintf("[%s] %s", normalizeSeverity(issue.Get("severity").String()), desc))
		return true
	})
	return res, nil
}

// normalizeSeverity maps anything outside the valid alphabet to "unknown".
func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minor":
		return "minor"
	case "major":
		return "major"
	case "critical":
		return "critical"
	default:
		return "unknown"
	}
}

// firstJSONObject scans for the first balanced {...} that contains
// "review_performed". Brace counting ignores braces inside strings.
func firstJSONObject(s string) string {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
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
					candidate := s[start : i+1]
					if strings.Contains(candidate, `"review_performed"`) {
						return candidate
					}
					// Skip past this object and keep scanning.
					start = i
					i = len(s)
				}
			}
		}
	}
	return ""
}
