package scanning

import "fmt"

const (
	// MinImageDimension is the smallest width and height the classifier handles reliably
	MinImageDimension = 224

	strictMinDimension = 300
	strictMinAspect    = 0.5
	strictMaxAspect    = 2.0
	strictMaxBytes     = 5 << 20
)

// QualityPolicy decides whether an image may be submitted
type QualityPolicy interface {
	// Validate returns a *ValidationError when the image is rejected
	Validate(asset ImageAsset) error
}

// MinResolution rejects images smaller than Width x Height
type MinResolution struct {
	Width  int
	Height int
}

// DefaultPolicy returns the 224x224 resolution floor
func DefaultPolicy() QualityPolicy {
	return MinResolution{Width: MinImageDimension, Height: MinImageDimension}
}

// Validate implements QualityPolicy
func (m MinResolution) Validate(asset ImageAsset) error {
	if asset.Width < m.Width || asset.Height < m.Height {
		return &ValidationError{
			Field:  "image",
			Reason: fmt.Sprintf("resolution %dx%d is below the %dx%d minimum", asset.Width, asset.Height, m.Width, m.Height),
		}
	}
	return nil
}

// StrictPolicy layers the stricter checks: 300x300 floor, aspect ratio between
// 1:2 and 2:1, and at most 5 MiB when the file size is known
type StrictPolicy struct{}

// Validate implements QualityPolicy
func (StrictPolicy) Validate(asset ImageAsset) error {
	if err := (MinResolution{Width: strictMinDimension, Height: strictMinDimension}).Validate(asset); err != nil {
		return err
	}

	aspect := float64(asset.Width) / float64(asset.Height)
	if aspect < strictMinAspect || aspect > strictMaxAspect {
		return &ValidationError{
			Field:  "image",
			Reason: fmt.Sprintf("aspect ratio %.2f is outside %.1f-%.1f", aspect, strictMinAspect, strictMaxAspect),
		}
	}

	if asset.SizeBytes > strictMaxBytes {
		return &ValidationError{
			Field:  "image",
			Reason: fmt.Sprintf("file size %d bytes exceeds %d", asset.SizeBytes, strictMaxBytes),
		}
	}
	return nil
}

// Policies applies each policy in order; the first rejection wins
type Policies []QualityPolicy

// Validate implements QualityPolicy
func (p Policies) Validate(asset ImageAsset) error {
	for _, policy := range p {
		if err := policy.Validate(asset); err != nil {
			return err
		}
	}
	return nil
}

// PolicyByName returns the policy configured as "standard" or "strict"
func PolicyByName(name string) (QualityPolicy, error) {
	switch name {
	case "", "standard":
		return DefaultPolicy(), nil
	case "strict":
		return Policies{DefaultPolicy(), StrictPolicy{}}, nil
	default:
		return nil, fmt.Errorf("unknown quality policy %q (valid: standard, strict)", name)
	}
}
