package scanning

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DefaultGuidanceNote is used when the backend sends no guidance
const DefaultGuidanceNote = "No additional guidance was provided."

// responseShape is one of the two known analysis payload layouts
type responseShape interface {
	result(now time.Time) AnalysisResult
}

// textAnalysisShape is returned by /models/text:
// {"analysis": {"conditions", "confidence", "guidance", "risk_level"}}
type textAnalysisShape struct {
	Conditions json.RawMessage `json:"conditions"`
	Confidence json.RawMessage `json:"confidence"`
	Guidance   json.RawMessage `json:"guidance"`
	RiskLevel  json.RawMessage `json:"risk_level"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// imageAnalysisShape is returned by /models/image:
// {"conditions", "confidence", "risk", "symptomNote", "timestamp"}
type imageAnalysisShape struct {
	Conditions  json.RawMessage `json:"conditions"`
	Confidence  json.RawMessage `json:"confidence"`
	Risk        json.RawMessage `json:"risk"`
	SymptomNote json.RawMessage `json:"symptomNote"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

// Normalize converts either backend payload into an AnalysisResult, stamping
// it with the current time when the payload carries none
func Normalize(raw RawResponse) AnalysisResult {
	return NormalizeAt(raw, time.Now())
}

// NormalizeAt is Normalize with an explicit fallback timestamp. It never fails:
// missing or malformed fields degrade to defaults.
func NormalizeAt(raw RawResponse, now time.Time) AnalysisResult {
	return classifyShape(raw).result(now)
}

// classifyShape picks the parser by the presence of a top-level "analysis" key
func classifyShape(raw RawResponse) responseShape {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return imageAnalysisShape{}
	}

	if analysis, ok := top["analysis"]; ok {
		return parseTextShape(analysis, top["timestamp"])
	}
	return parseImageShape(raw)
}

func parseTextShape(analysis, outerTimestamp json.RawMessage) textAnalysisShape {
	var shape textAnalysisShape
	if err := json.Unmarshal(analysis, &shape); err != nil {
		shape = textAnalysisShape{}
	}
	if isAbsent(shape.Timestamp) {
		shape.Timestamp = outerTimestamp
	}
	return shape
}

func parseImageShape(raw RawResponse) imageAnalysisShape {
	var shape imageAnalysisShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return imageAnalysisShape{}
	}
	return shape
}

func (s textAnalysisShape) result(now time.Time) AnalysisResult {
	return AnalysisResult{
		Conditions:   decodeConditions(s.Conditions),
		Confidence:   decodeConfidence(s.Confidence),
		Risk:         decodeRisk(s.RiskLevel),
		GuidanceNote: decodeGuidance(s.Guidance),
		ProducedAt:   decodeTimestamp(s.Timestamp, now),
	}
}

func (s imageAnalysisShape) result(now time.Time) AnalysisResult {
	return AnalysisResult{
		Conditions:   decodeConditions(s.Conditions),
		Confidence:   decodeConfidence(s.Confidence),
		Risk:         decodeRisk(s.Risk),
		GuidanceNote: decodeGuidance(s.SymptomNote),
		ProducedAt:   decodeTimestamp(s.Timestamp, now),
	}
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeConditions accepts a list of names or of objects such as
// {"name": ...}, {"label": ...} or {"condition": {"name": ...}}
func decodeConditions(raw json.RawMessage) []string {
	conditions := make([]string, 0)
	if isAbsent(raw) {
		return conditions
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		if name := conditionName(raw); name != "" {
			conditions = append(conditions, name)
		}
		return conditions
	}

	for _, item := range items {
		if name := conditionName(item); name != "" {
			conditions = append(conditions, name)
		}
	}
	return conditions
}

func conditionName(raw json.RawMessage) string {
	if s, ok := decodeString(raw); ok {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"name", "label", "condition"} {
		value, ok := obj[key]
		if !ok {
			continue
		}
		if name := conditionName(value); name != "" {
			return name
		}
	}
	return ""
}

func decodeString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func decodeGuidance(raw json.RawMessage) string {
	if s, ok := decodeString(raw); ok {
		return s
	}
	return DefaultGuidanceNote
}

// decodeConfidence reads a number or numeric string and coerces it into [0,1]
func decodeConfidence(raw json.RawMessage) float64 {
	if isAbsent(raw) {
		return 0
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return CoerceConfidence(n)
	}

	s, ok := decodeString(raw)
	if !ok {
		return 0
	}
	percent := strings.HasSuffix(s, "%")
	n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
	if err != nil {
		return 0
	}
	if percent {
		return clampUnit(n / 100)
	}
	return CoerceConfidence(n)
}

// CoerceConfidence maps a confidence onto the fractional [0,1] convention.
// Values in (1,100] are read as percentages; larger values clamp to 1;
// negative and NaN values become 0.
func CoerceConfidence(n float64) float64 {
	switch {
	case math.IsNaN(n) || n < 0:
		return 0
	case n <= 1:
		return n
	case n <= 100:
		return n / 100
	default:
		return 1
	}
}

func clampUnit(n float64) float64 {
	switch {
	case math.IsNaN(n) || n < 0:
		return 0
	case n > 1:
		return 1
	default:
		return n
	}
}

func decodeRisk(raw json.RawMessage) Risk {
	s, ok := decodeString(raw)
	if !ok {
		return RiskLow
	}
	return ParseRisk(s)
}

// ParseRisk reads a risk level case-insensitively, defaulting to RiskLow
func ParseRisk(s string) Risk {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return RiskHigh
	case "MEDIUM", "MODERATE":
		return RiskMedium
	default:
		return RiskLow
	}
}

// maxUnixMilli bounds numeric timestamps (about the year 33658 in milliseconds)
const maxUnixMilli = 1e15

// decodeTimestamp reads an RFC 3339 string or a unix time in seconds or milliseconds
func decodeTimestamp(raw json.RawMessage, now time.Time) time.Time {
	if isAbsent(raw) {
		return now
	}

	if s, ok := decodeString(raw); ok {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
		return now
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil || n <= 0 || n > maxUnixMilli {
		return now
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n))
	}
	return time.Unix(int64(n), 0)
}
