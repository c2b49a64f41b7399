package workflow

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/amuif/derma-scan/internal/scanning"
)

// IDGenerator generates ids for image selections and text edits
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

type systemTimeSource struct{}

func (systemTimeSource) Now() time.Time { return time.Now() }

// Controller drives one scan from image selection or text entry to a result,
// and optionally publishes that result to the community feed.
//
// Network calls run without the lock held. Guards on the current state keep at
// most one submission and one tracked pre-screen in flight; a pre-screen whose
// image was replaced meanwhile is discarded when it resolves.
type Controller struct {
	analyzer    scanning.Analyzer
	credentials scanning.CredentialProvider
	policy      scanning.QualityPolicy
	idGenerator IDGenerator
	timeSource  TimeSource

	mu        sync.Mutex
	state     State
	modality  scanning.Modality
	image     *scanning.ImageAsset
	symptoms  string
	selection string
	preScreen *scanning.PreScreenResult
	result    *scanning.AnalysisResult
	input     scanning.ScanInput
	shared    bool
	lastErr   error
}

// NewController creates a Controller with the default ID generator and time source.
// A nil policy means the 224x224 minimum resolution.
func NewController(analyzer scanning.Analyzer, credentials scanning.CredentialProvider, policy scanning.QualityPolicy) *Controller {
	return NewControllerWithDeps(analyzer, credentials, policy, uuidGenerator{}, systemTimeSource{})
}

// NewControllerWithDeps creates a Controller with custom dependencies for testing
func NewControllerWithDeps(analyzer scanning.Analyzer, credentials scanning.CredentialProvider, policy scanning.QualityPolicy, idGen IDGenerator, timeSrc TimeSource) *Controller {
	if policy == nil {
		policy = scanning.DefaultPolicy()
	}
	if idGen == nil {
		idGen = uuidGenerator{}
	}
	if timeSrc == nil {
		timeSrc = systemTimeSource{}
	}
	return &Controller{
		analyzer:    analyzer,
		credentials: credentials,
		policy:      policy,
		idGenerator: idGen,
		timeSource:  timeSrc,
		state:       StateIdle,
	}
}

// snapshot of the fields a failed transition must put back
type checkpoint struct {
	state  State
	result *scanning.AnalysisResult
	input  scanning.ScanInput
	shared bool
}

// SelectImage replaces the current input with a captured or picked image, runs
// the quality gate and then the lesion pre-screen. A gate rejection makes no
// network call.
func (c *Controller) SelectImage(ctx context.Context, asset scanning.ImageAsset) (scanning.PreScreenResult, error) {
	c.mu.Lock()
	if c.submissionInFlightLocked() {
		c.mu.Unlock()
		return scanning.PreScreenResult{}, ErrBusy
	}
	if c.state == StatePreScreening && c.image != nil && c.image.URI == asset.URI {
		c.mu.Unlock()
		return scanning.PreScreenResult{}, ErrBusy
	}

	c.clearLocked()
	c.modality = scanning.ModalityImage
	c.selection = c.idGenerator.Generate()

	if err := c.policy.Validate(asset); err != nil {
		log.Info().Err(err).Str("uri", asset.URI).Msg("Image rejected by quality gate")
		c.lastErr = err
		c.transitionLocked(StateIdle)
		c.mu.Unlock()
		return scanning.PreScreenResult{}, err
	}

	c.image = &asset
	c.transitionLocked(StateImageSelected)
	selection := c.beginPreScreenLocked()
	c.mu.Unlock()

	return c.finishPreScreen(ctx, selection, asset)
}

// RetryPreScreen runs the lesion pre-screen again for the currently held image
func (c *Controller) RetryPreScreen(ctx context.Context) (scanning.PreScreenResult, error) {
	c.mu.Lock()
	switch {
	case c.image == nil || c.modality != scanning.ModalityImage:
		c.mu.Unlock()
		return scanning.PreScreenResult{}, ErrInvalidTransition
	case c.state == StatePreScreening || c.submissionInFlightLocked():
		c.mu.Unlock()
		return scanning.PreScreenResult{}, ErrBusy
	case c.state != StateImageSelected && c.state != StateIdle:
		c.mu.Unlock()
		return scanning.PreScreenResult{}, ErrInvalidTransition
	}

	asset := *c.image
	selection := c.beginPreScreenLocked()
	c.mu.Unlock()

	return c.finishPreScreen(ctx, selection, asset)
}

// beginPreScreenLocked moves into PreScreening and returns the selection the
// response must still match when it arrives
func (c *Controller) beginPreScreenLocked() string {
	c.preScreen = nil
	c.lastErr = nil
	c.transitionLocked(StatePreScreening)
	return c.selection
}

func (c *Controller) finishPreScreen(ctx context.Context, selection string, asset scanning.ImageAsset) (scanning.PreScreenResult, error) {
	result, err := c.preScreenImage(ctx, asset)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selection != selection {
		log.Debug().Str("uri", asset.URI).Msg("Discarding stale pre-screen response")
		return scanning.PreScreenResult{}, ErrSuperseded
	}
	if err != nil {
		log.Warn().Err(err).Str("uri", asset.URI).Msg("Pre-screen failed")
		c.lastErr = err
		c.transitionLocked(StateIdle)
		return scanning.PreScreenResult{}, err
	}

	c.preScreen = &result
	if result.LesionDetected {
		c.transitionLocked(StateLesionConfirmed)
	} else {
		c.transitionLocked(StateLesionAbsent)
	}
	return result, nil
}

func (c *Controller) preScreenImage(ctx context.Context, asset scanning.ImageAsset) (scanning.PreScreenResult, error) {
	creds, err := c.currentCredentials(ctx)
	if err != nil {
		return scanning.PreScreenResult{}, err
	}
	return c.analyzer.PreScreen(ctx, asset, creds)
}

// SetImageNote attaches an optional symptom description to the selected image
func (c *Controller) SetImageNote(note string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submissionInFlightLocked() {
		return ErrBusy
	}
	if c.modality != scanning.ModalityImage || c.image == nil {
		return ErrInvalidTransition
	}
	c.symptoms = note
	return nil
}

// EnterText switches to text modality with the given symptom description and
// clears any held result
func (c *Controller) EnterText(symptoms string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submissionInFlightLocked() {
		return ErrBusy
	}

	c.clearLocked()
	c.modality = scanning.ModalityText
	c.symptoms = symptoms
	c.selection = c.idGenerator.Generate()
	c.transitionLocked(StateTextEntered)
	return nil
}

// Submit sends the current input for analysis without consent to share. On
// failure the controller returns to the state it was in before the call.
func (c *Controller) Submit(ctx context.Context) (scanning.AnalysisResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateSubmitting, StateSharingToCommunity, StatePreScreening:
		c.mu.Unlock()
		return scanning.AnalysisResult{}, ErrBusy
	case StateLesionAbsent:
		c.mu.Unlock()
		return scanning.AnalysisResult{}, ErrLesionNotDetected
	case StateLesionConfirmed, StateTextEntered, StateResultReady:
	default:
		c.mu.Unlock()
		return scanning.AnalysisResult{}, ErrInvalidTransition
	}

	input := c.currentInputLocked()
	if err := scanning.ValidateInput(input); err != nil {
		c.lastErr = err
		c.mu.Unlock()
		return scanning.AnalysisResult{}, err
	}

	prior := c.checkpointLocked()
	c.lastErr = nil
	c.transitionLocked(StateSubmitting)
	c.mu.Unlock()

	return c.send(ctx, input, false, prior)
}

// Share re-submits the input behind the held result with consent, publishing
// it to the community feed. The backend decides whether the scan is shared;
// a failure leaves the held result untouched.
func (c *Controller) Share(ctx context.Context) (scanning.AnalysisResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateSubmitting, StateSharingToCommunity:
		c.mu.Unlock()
		return scanning.AnalysisResult{}, ErrBusy
	case StateResultReady:
	default:
		c.mu.Unlock()
		return scanning.AnalysisResult{}, ErrInvalidTransition
	}
	if c.shared {
		c.mu.Unlock()
		return scanning.AnalysisResult{}, ErrAlreadyShared
	}

	input := c.input
	prior := c.checkpointLocked()
	c.lastErr = nil
	c.transitionLocked(StateSharingToCommunity)
	c.mu.Unlock()

	return c.send(ctx, input, true, prior)
}

// send performs one submission and settles the state. The caller has already
// moved the controller into Submitting or SharingToCommunity.
func (c *Controller) send(ctx context.Context, input scanning.ScanInput, consent bool, prior checkpoint) (scanning.AnalysisResult, error) {
	raw, err := c.submitInput(ctx, input, consent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).
			Str("modality", string(input.Modality())).
			Bool("consent", consent).
			Str("rollback_to", string(prior.state)).
			Msg("Submission failed")
		c.restoreLocked(prior)
		c.lastErr = err
		return scanning.AnalysisResult{}, err
	}

	result := scanning.NormalizeAt(raw, c.timeSource.Now())
	c.result = &result
	c.input = input
	c.shared = consent
	c.transitionLocked(StateResultReady)
	return cloneResult(result), nil
}

func (c *Controller) submitInput(ctx context.Context, input scanning.ScanInput, consent bool) (scanning.RawResponse, error) {
	creds, err := c.currentCredentials(ctx)
	if err != nil {
		return nil, err
	}
	return c.analyzer.Submit(ctx, input, consent, creds)
}

// Reset returns the controller to Idle, abandoning any pending pre-screen
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submissionInFlightLocked() {
		return ErrBusy
	}
	c.clearLocked()
	c.selection = c.idGenerator.Generate()
	c.transitionLocked(StateIdle)
	return nil
}

// Snapshot returns a copy of the current workflow state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:    c.state,
		Modality: c.modality,
		Symptoms: c.symptoms,
		Shared:   c.shared,
		Err:      c.lastErr,
	}
	if c.image != nil {
		img := *c.image
		snap.Image = &img
	}
	if c.preScreen != nil {
		ps := *c.preScreen
		ps.RawConditions = slices.Clone(ps.RawConditions)
		snap.PreScreen = &ps
	}
	if c.result != nil {
		r := cloneResult(*c.result)
		snap.Result = &r
	}
	return snap
}

func (c *Controller) currentCredentials(ctx context.Context) (scanning.Credentials, error) {
	if c.credentials == nil {
		return scanning.Credentials{}, scanning.ErrAuthMissing
	}
	creds, err := c.credentials.Credentials(ctx)
	if err != nil {
		return scanning.Credentials{}, err
	}
	if !creds.Present() {
		return scanning.Credentials{}, scanning.ErrAuthMissing
	}
	return creds, nil
}

func (c *Controller) currentInputLocked() scanning.ScanInput {
	if c.modality == scanning.ModalityImage {
		var asset scanning.ImageAsset
		if c.image != nil {
			asset = *c.image
		}
		return scanning.ImageInput{Asset: asset, Symptoms: strings.TrimSpace(c.symptoms)}
	}
	return scanning.TextInput{Symptoms: c.symptoms}
}

func (c *Controller) submissionInFlightLocked() bool {
	return c.state == StateSubmitting || c.state == StateSharingToCommunity
}

func (c *Controller) checkpointLocked() checkpoint {
	return checkpoint{state: c.state, result: c.result, input: c.input, shared: c.shared}
}

func (c *Controller) restoreLocked(p checkpoint) {
	c.result = p.result
	c.input = p.input
	c.shared = p.shared
	c.transitionLocked(p.state)
}

// clearLocked drops the input, the pre-screen verdict and any held result
func (c *Controller) clearLocked() {
	c.modality = scanning.ModalityNone
	c.image = nil
	c.symptoms = ""
	c.preScreen = nil
	c.result = nil
	c.input = nil
	c.shared = false
	c.lastErr = nil
}

func (c *Controller) transitionLocked(to State) {
	if c.state != to {
		log.Debug().Str("from", string(c.state)).Str("to", string(to)).Str("modality", string(c.modality)).Msg("Scan workflow transition")
	}
	c.state = to
}

func cloneResult(r scanning.AnalysisResult) scanning.AnalysisResult {
	r.Conditions = slices.Clone(r.Conditions)
	return r
}
