// Package bench implements the benchmark execution core: the response
// post-processor, the batch persister, the scale-order dispatcher, the
// streaming pipeline, the per-run executor and the task queue
// executor.
package bench

import (
	"encoding/json"
	"strings"

	"github.com/traitlab/biasbench/bench/store"
)

// FailKind classifies a failed rating attempt. It is the only failure
// shape that reaches the fail log; transport and parse details never
// leak into result rows.
type FailKind string

const (
	// FailParse means no rating could be extracted from the response.
	FailParse FailKind = "parse_error"

	// FailOutOfRange means a rating was extracted but lies outside 1..5.
	FailOutOfRange FailKind = "out_of_range"

	// FailTransport means the gateway forwarded an endpoint failure.
	FailTransport FailKind = "transport_error"

	// FailSchema means a rationale was required but missing.
	FailSchema FailKind = "schema_error"

	// FailMaxAttempts is the terminal entry written when the attempt
	// budget is exhausted.
	FailMaxAttempts FailKind = "max_attempts_exceeded"
)

// Verdict is the outcome of classifying one raw response.
type Verdict struct {
	// OK reports whether a valid rating was extracted.
	OK bool

	// Rating is the normalized value on the in-order scale. For the
	// rev order this is 6 minus the parsed value.
	Rating int

	// RatingRaw is the value as parsed from the response.
	RatingRaw int

	// Rationale is the model's rationale when one was requested and
	// present.
	Rationale string

	// Kind names the failure when OK is false.
	Kind FailKind
}

// Classify extracts and validates a rating from raw model output.
//
// Extraction order:
//  1. the first well-formed JSON object in the text, field "rating"
//  2. a leading "<digit>." token
//
// Ratings are normalized onto the in-order scale before storage, so
// a rev-order response of 2 is stored as 4.
func Classify(rawText string, order store.ScaleOrder, includeRationale bool) Verdict {
	if strings.HasPrefix(rawText, "[error ") {
		return Verdict{Kind: FailTransport}
	}

	raw, rationale, found := extractRating(rawText)
	if !found {
		return Verdict{Kind: FailParse}
	}
	if raw < 1 || raw > 5 {
		return Verdict{RatingRaw: raw, Kind: FailOutOfRange}
	}
	if includeRationale && rationale == "" {
		return Verdict{RatingRaw: raw, Kind: FailSchema}
	}

	rating := raw
	if order == store.OrderRev {
		rating = 6 - raw
	}
	return Verdict{OK: true, Rating: rating, RatingRaw: raw, Rationale: rationale}
}

// extractRating pulls a rating integer and optional rationale out of
// free-form model output.
func extractRating(text string) (rating int, rationale string, found bool) {
	if obj, ok := firstJSONObject(text); ok {
		var parsed struct {
			Rating    *int   `json:"rating"`
			Rationale string `json:"rationale"`
		}
		if err := json.Unmarshal([]byte(obj), &parsed); err == nil && parsed.Rating != nil {
			return *parsed.Rating, strings.TrimSpace(parsed.Rationale), true
		}
	}

	// Fallback: a leading "<digit>." token, as produced by models that
	// answer with a numbered-list style "4." despite the instruction.
	trimmed := strings.TrimSpace(text)
	if len(trimmed) >= 2 && trimmed[0] >= '0' && trimmed[0] <= '9' && trimmed[1] == '.' {
		return int(trimmed[0] - '0'), "", true
	}
	return 0, "", false
}

// firstJSONObject returns the first balanced {...} span in the text.
// Brace counting respects string literals so ratings inside quoted
// text do not produce false positives.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
