package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	"image/jpeg"
	_ "image/png" // Register PNG decoder
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/evanoberholster/imagemeta"
	"github.com/gen2brain/heic"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

const (
	// DefaultMaxDimension bounds the longest edge of an uploaded image
	DefaultMaxDimension = 1024
	// DefaultJPEGQuality is the re-encode quality for uploads
	DefaultJPEGQuality = 70
)

// Preparer reads local image assets and turns them into bounded JPEG uploads
type Preparer struct {
	MaxDimension int
	JPEGQuality  int
}

// NewPreparer creates a Preparer, falling back to defaults for non-positive values
func NewPreparer(maxDimension, quality int) *Preparer {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Preparer{MaxDimension: maxDimension, JPEGQuality: quality}
}

// Inspect reads the dimensions and size of a local asset without decoding the pixels
func (p *Preparer) Inspect(uri string) (ImageAsset, error) {
	data, err := readAsset(uri)
	if err != nil {
		return ImageAsset{}, err
	}

	var cfg image.Config
	if isHEICFormat(data) || isHEICMimeType(mimeFromPath(uri)) {
		cfg, err = heic.DecodeConfig(bytes.NewReader(data))
	} else {
		cfg, _, err = image.DecodeConfig(bytes.NewReader(data))
	}
	if err != nil {
		return ImageAsset{}, &ValidationError{Field: "image", Reason: "cannot read image header", Err: err}
	}

	// Phone cameras store portrait shots sideways and record the rotation in EXIF
	width, height := cfg.Width, cfg.Height
	if swapsDimensions(exifOrientation(data)) {
		width, height = height, width
	}

	return ImageAsset{
		URI:       uri,
		Width:     width,
		Height:    height,
		SizeBytes: int64(len(data)),
	}, nil
}

// Prepare decodes the asset, downscales it to MaxDimension and re-encodes it as JPEG
func (p *Preparer) Prepare(uri string) ([]byte, error) {
	data, err := readAsset(uri)
	if err != nil {
		return nil, err
	}

	img, err := decodeImage(data, mimeFromPath(uri))
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	newWidth, newHeight := boundedDimensions(bounds.Dx(), bounds.Dy(), p.MaxDimension)
	if newWidth != bounds.Dx() || newHeight != bounds.Dy() {
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	orientation := exifOrientation(data)
	img = applyOrientation(img, orientation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}

	log.Debug().
		Str("uri", uri).
		Int("orig_width", bounds.Dx()).
		Int("orig_height", bounds.Dy()).
		Int("new_width", newWidth).
		Int("new_height", newHeight).
		Uint8("orientation", orientation).
		Int("input_size", len(data)).
		Int("output_size", buf.Len()).
		Msg("Prepared image for upload")

	return buf.Bytes(), nil
}

// readAsset loads the bytes behind a file:// URI or a plain path
func readAsset(uri string) ([]byte, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, &ValidationError{Field: "image", Reason: "image has no URI"}
	}

	path := uri
	if u, err := url.Parse(uri); err == nil && u.Scheme == "file" {
		path = u.Path
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ValidationError{Field: "image", Reason: "cannot read image file", Err: err}
	}
	return data, nil
}

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF data
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	// Go's standard image package doesn't support HEIC (common on iPhones)
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, &ValidationError{Field: "image", Reason: "cannot decode HEIC/HEIF image", Err: err}
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, &ValidationError{Field: "image", Reason: "unsupported format, use JPEG, PNG, GIF, HEIC or HEIF", Err: err}
		}
		return nil, &ValidationError{Field: "image", Reason: "cannot decode image", Err: err}
	}
	return img, nil
}

// exifOrientation returns the EXIF orientation tag (1-8), or 0 when the image has none
func exifOrientation(data []byte) uint8 {
	exif, err := imagemeta.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	return uint8(exif.Orientation)
}

// swapsDimensions reports whether an orientation turns the stored image on its side
func swapsDimensions(orientation uint8) bool {
	return orientation >= 5 && orientation <= 8
}

// applyOrientation transforms img so it displays upright
func applyOrientation(img image.Image, orientation uint8) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	// at maps a source pixel to its destination
	var at func(x, y int) (int, int)
	switch orientation {
	case 2:
		at = func(x, y int) (int, int) { return w - 1 - x, y }
	case 3:
		at = func(x, y int) (int, int) { return w - 1 - x, h - 1 - y }
	case 4:
		at = func(x, y int) (int, int) { return x, h - 1 - y }
	case 5:
		at = func(x, y int) (int, int) { return y, x }
	case 6:
		at = func(x, y int) (int, int) { return h - 1 - y, x }
	case 7:
		at = func(x, y int) (int, int) { return h - 1 - y, w - 1 - x }
	case 8:
		at = func(x, y int) (int, int) { return y, w - 1 - x }
	default:
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if swapsDimensions(orientation) {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := at(x, y)
			dst.Set(dx, dy, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// boundedDimensions scales width and height so the longest edge is at most maxDimension
func boundedDimensions(width, height, maxDimension int) (int, int) {
	if maxDimension <= 0 || (width <= maxDimension && height <= maxDimension) {
		return width, height
	}

	if width > height {
		return maxDimension, max(1, int(float64(height)*float64(maxDimension)/float64(width)))
	}
	return max(1, int(float64(width)*float64(maxDimension)/float64(height))), maxDimension
}

// isHEICFormat checks the ftyp box brand for HEIC/HEIF data
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// mimeFromPath guesses an image MIME type from the asset's extension
func mimeFromPath(uri string) string {
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	}
	return ""
}
