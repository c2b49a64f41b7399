package scanning

import (
	"context"
	"encoding/json"
	"time"
)

// Modality identifies which kind of input a submission carries
type Modality string

const (
	ModalityNone  Modality = ""
	ModalityImage Modality = "image"
	ModalityText  Modality = "text"
)

// Risk is the canonical risk level of an analysis
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// ImageAsset is a locally captured or selected image with decoded dimensions
type ImageAsset struct {
	URI       string `json:"uri" validate:"required"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int64  `json:"size_bytes,omitempty"` // 0 when unknown
}

// ScanInput is either an ImageInput or a TextInput
type ScanInput interface {
	Modality() Modality
	isScanInput()
}

// ImageInput submits a photo, optionally with a symptom description
type ImageInput struct {
	Asset    ImageAsset
	Symptoms string `validate:"max=500"`
}

// TextInput submits a free-text symptom description
type TextInput struct {
	Symptoms string `validate:"required,notblank,max=500"`
}

func (ImageInput) Modality() Modality { return ModalityImage }
func (ImageInput) isScanInput()       {}

func (TextInput) Modality() Modality { return ModalityText }
func (TextInput) isScanInput()       {}

// PreScreenResult reports whether an image contains an analyzable lesion
type PreScreenResult struct {
	LesionDetected bool     `json:"lesion_detected"`
	RawConditions  []string `json:"raw_conditions"`
}

// AnalysisResult is the canonical analysis produced by Normalize
type AnalysisResult struct {
	Conditions   []string  `json:"conditions"`
	Confidence   float64   `json:"confidence"` // fraction in [0,1]
	Risk         Risk      `json:"risk"`
	GuidanceNote string    `json:"guidance_note"`
	ProducedAt   time.Time `json:"produced_at"`
}

// RawResponse is an un-normalized analysis payload as returned by the backend
type RawResponse json.RawMessage

// Credentials identify the signed-in user
type Credentials struct {
	Token  string
	UserID string
}

// Present reports whether both the token and the user id are set
func (c Credentials) Present() bool {
	return c.Token != "" && c.UserID != ""
}

// CredentialProvider supplies the current user's credentials
type CredentialProvider interface {
	// Credentials returns ErrAuthMissing when no session is available
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticCredentials is a CredentialProvider that always returns the same credentials
type StaticCredentials Credentials

// Credentials returns the wrapped credentials or ErrAuthMissing
func (s StaticCredentials) Credentials(context.Context) (Credentials, error) {
	c := Credentials(s)
	if !c.Present() {
		return Credentials{}, ErrAuthMissing
	}
	return c, nil
}

// Analyzer defines the remote operations the scan workflow depends on
type Analyzer interface {
	// PreScreen checks whether an image contains an analyzable lesion
	PreScreen(ctx context.Context, asset ImageAsset, creds Credentials) (PreScreenResult, error)
	// Submit sends an image or text scan for full analysis
	Submit(ctx context.Context, input ScanInput, consent bool, creds Credentials) (RawResponse, error)
}
