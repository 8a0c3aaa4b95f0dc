package jobs

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ParsedResult is the structured outcome extracted from one remote response.
type ParsedResult struct {
	Code          string
	Explanation   string
	LocationRef   string
	QuotedExcerpt string
	// FallbackUsed marks results classified by keyword scan because no
	// structured payload could be extracted. Callers must surface this flag;
	// fallback classification is best-effort, not a correctness guarantee.
	FallbackUsed bool
}

type rawVerdict struct {
	Result      *int   `json:"result"`
	Explanation string `json:"explanation"`
	Location    string `json:"location"`
	Quote       string `json:"quote"`
}

// slotResultPattern matches a {"result": N, "explanation": "..."} object even
// when the surrounding text is not valid JSON.
var slotResultPattern = regexp.MustCompile(`\{\s*"result"\s*:\s*(-?\d+)\s*,\s*"explanation"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// ParseVerdict extracts the tri-state verdict from raw model output. It
// tries, in order: the JSON object spanning the first '{' to the last '}', a
// regex
// match of the result/explanation pair, and finally a flagged keyword scan of
// the whole text.
func ParseVerdict(raw string) ParsedResult {
	if verdict, ok := decodeVerdict(raw); ok {
		return verdict
	}
	if m := slotResultPattern.FindStringSubmatch(raw); m != nil {
		code := ResultUnknown
		switch m[1] {
		case "1":
			code = ResultCompliant
		case "0":
			code = ResultNonCompliant
		}
		explanation := strings.ReplaceAll(m[2], `\"`, `"`)
		return ParsedResult{Code: code, Explanation: explanation}
	}
	return classifyByKeywords(raw)
}

func decodeVerdict(raw string) (ParsedResult, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ParsedResult{}, false
	}

	candidate := raw[start : end+1]
	// Models occasionally emit literal newlines inside string values.
	candidate = strings.ReplaceAll(candidate, "\n", " ")
	candidate = strings.ReplaceAll(candidate, "\r", " ")

	var verdict rawVerdict
	if err := json.Unmarshal([]byte(candidate), &verdict); err != nil || verdict.Result == nil {
		return ParsedResult{}, false
	}

	code := ResultUnknown
	switch *verdict.Result {
	case 1:
		code = ResultCompliant
	case 0:
		code = ResultNonCompliant
	}
	return ParsedResult{
		Code:          code,
		Explanation:   verdict.Explanation,
		LocationRef:   verdict.Location,
		QuotedExcerpt: verdict.Quote,
	}, true
}

// classifyByKeywords is the last-resort classification used when no
// structured payload could be extracted. The English negative forms are
// checked first so "non-compliant" never matches the positive branch; the
// Hebrew positive "כן" outranks "לא", which appears inside many neutral
// phrases. Hebrew keywords are kept because the guideline libraries this
// service ships with are Hebrew.
func classifyByKeywords(raw string) ParsedResult {
	lower := strings.ToLower(raw)
	result := ParsedResult{
		Code:         ResultUnknown,
		Explanation:  strings.TrimSpace(raw),
		FallbackUsed: true,
	}
	switch {
	case strings.Contains(lower, "non-compliant"),
		strings.Contains(lower, "not compliant"):
		result.Code = ResultNonCompliant
	case strings.Contains(lower, "compliant"),
		strings.Contains(raw, "כן"):
		result.Code = ResultCompliant
	case strings.Contains(raw, "לא"):
		result.Code = ResultNonCompliant
	}
	return result
}
