package scanning

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// textAnalysisImageURL marks records that came from a text submission
const textAnalysisImageURL = "text-analysis"

// ScanRecord is a stored scan as listed by the backend. The client never mutates it.
type ScanRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	ImageURL     *string   `json:"imageUrl"`
	ImageQuality string    `json:"imageQuality,omitempty"`
	Conditions   []string  `json:"conditions"`
	Confidence   float64   `json:"confidence"`
	Risk         Risk      `json:"risk"`
	Notes        string    `json:"notes"`
	Timestamp    time.Time `json:"timestamp"`
}

// IsTextAnalysis reports whether the record has no photo
func (r ScanRecord) IsTextAnalysis() bool {
	return r.ImageURL == nil || *r.ImageURL == "" || *r.ImageURL == textAnalysisImageURL
}

// scanRecordWire tolerates the looser types the backend sends
type scanRecordWire struct {
	ID           json.RawMessage `json:"id"`
	UserID       string          `json:"userId"`
	User         *wireUser       `json:"user"`
	ImageURL     *string         `json:"imageUrl"`
	ImageQuality string          `json:"imageQuality"`
	Conditions   json.RawMessage `json:"conditions"`
	Confidence   json.RawMessage `json:"confidence"`
	Risk         json.RawMessage `json:"risk"`
	Notes        string          `json:"notes"`
	Timestamp    json.RawMessage `json:"timestamp"`
}

type wireUser struct {
	ID json.RawMessage `json:"id"`
}

func (w scanRecordWire) record(now time.Time) ScanRecord {
	userID := w.UserID
	if userID == "" && w.User != nil {
		userID = rawID(w.User.ID)
	}
	return ScanRecord{
		ID:           rawID(w.ID),
		UserID:       userID,
		ImageURL:     w.ImageURL,
		ImageQuality: w.ImageQuality,
		Conditions:   decodeConditions(w.Conditions),
		Confidence:   decodeConfidence(w.Confidence),
		Risk:         decodeRisk(w.Risk),
		Notes:        w.Notes,
		Timestamp:    decodeTimestamp(w.Timestamp, now),
	}
}

// rawID reads an id sent either as a string or a number
func rawID(raw json.RawMessage) string {
	if s, ok := decodeString(raw); ok {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// History lists the scans visible to the caller: their own and those shared with the community
func (c *Client) History(ctx context.Context, creds Credentials) ([]ScanRecord, error) {
	if !creds.Present() {
		return nil, ErrAuthMissing
	}

	respBody, err := c.do(ctx, "history", http.MethodGet, historyPath, "", nil, creds.Token)
	if err != nil {
		return nil, err
	}

	var wire []scanRecordWire
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, &ServerError{Op: "history", StatusCode: http.StatusOK, Body: TruncateBody(respBody), Err: fmt.Errorf("decoding response: %w", err)}
	}

	now := time.Now()
	records := make([]ScanRecord, 0, len(wire))
	for _, w := range wire {
		records = append(records, w.record(now))
	}
	return records, nil
}

// OwnScans returns the records that belong to userID, preserving order
func OwnScans(records []ScanRecord, userID string) []ScanRecord {
	own := make([]ScanRecord, 0)
	for _, r := range records {
		if r.UserID == userID {
			own = append(own, r)
		}
	}
	return own
}

// CommunityScans returns the records shared by other users, preserving order
func CommunityScans(records []ScanRecord, userID string) []ScanRecord {
	shared := make([]ScanRecord, 0)
	for _, r := range records {
		if r.UserID != userID {
			shared = append(shared, r)
		}
	}
	return shared
}
