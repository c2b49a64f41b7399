package workflow

import (
	"errors"

	"github.com/amuif/derma-scan/internal/scanning"
)

// State is a step of the scan workflow
type State string

const (
	StateIdle               State = "idle"
	StateImageSelected      State = "image_selected"
	StatePreScreening       State = "pre_screening"
	StateLesionConfirmed    State = "lesion_confirmed"
	StateLesionAbsent       State = "lesion_absent"
	StateTextEntered        State = "text_entered"
	StateSubmitting         State = "submitting"
	StateResultReady        State = "result_ready"
	StateSharingToCommunity State = "sharing_to_community"
)

var (
	// ErrBusy is returned when the same action is already in flight
	ErrBusy = errors.New("an operation is already in progress")
	// ErrLesionNotDetected is returned when submitting an image the pre-screen rejected
	ErrLesionNotDetected = errors.New("no analyzable lesion detected in the image")
	// ErrInvalidTransition is returned when an action is not allowed from the current state
	ErrInvalidTransition = errors.New("action not allowed in the current state")
	// ErrAlreadyShared is returned when the held result was already published
	ErrAlreadyShared = errors.New("result has already been shared with the community")
	// ErrSuperseded is returned to a pre-screen whose image was replaced while it ran
	ErrSuperseded = errors.New("image selection changed before the pre-screen finished")
)

// Snapshot is a consistent read of the controller for the presentation layer
type Snapshot struct {
	State     State
	Modality  scanning.Modality
	Image     *scanning.ImageAsset
	Symptoms  string
	PreScreen *scanning.PreScreenResult
	Result    *scanning.AnalysisResult
	Shared    bool
	Err       error
}

// CanSubmit reports whether the submit action should be enabled
func (s Snapshot) CanSubmit() bool {
	switch s.State {
	case StateLesionConfirmed, StateTextEntered, StateResultReady:
		return true
	}
	return false
}

// CanShare reports whether the share-to-community action should be enabled
func (s Snapshot) CanShare() bool {
	return s.State == StateResultReady && !s.Shared
}

// UserMessage turns a workflow error into a short message for the user
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scanning.ErrAuthMissing):
		return "Please sign in again to continue."
	case scanning.IsValidation(err):
		var v *scanning.ValidationError
		errors.As(err, &v)
		if v.Field == "image" {
			return "This image can't be analyzed: " + v.Reason + ". Please choose a different photo."
		}
		return "Please check your input: " + v.Reason + "."
	case errors.Is(err, ErrLesionNotDetected):
		return "We couldn't find a skin lesion in this photo. Try a closer, well-lit picture."
	case errors.Is(err, ErrBusy):
		return "Please wait for the current request to finish."
	case scanning.IsNetwork(err):
		return "Couldn't reach the server. Check your connection and try again."
	case scanning.IsServer(err):
		return "The analysis service had a problem. Please try again later."
	default:
		return "Something went wrong. Please try again."
	}
}
