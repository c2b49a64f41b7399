package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout is the HTTP timeout for analysis calls; multipart uploads
	// of large photos over mobile links can be slow
	DefaultTimeout = 60 * time.Second

	checkPath   = "/models/check"
	imagePath   = "/models/image"
	textPath    = "/models/text"
	historyPath = "/models/history"
)

// Client talks to the remote analysis backend
type Client struct {
	baseURL  string
	client   *http.Client
	preparer *Preparer
}

// NewClient creates a Client for the backend at baseURL
func NewClient(baseURL string, timeout time.Duration, preparer *Preparer) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if preparer == nil {
		preparer = NewPreparer(DefaultMaxDimension, DefaultJPEGQuality)
	}

	return &Client{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: timeout},
		preparer: preparer,
	}, nil
}

// checkResponse is the body of /models/check
type checkResponse struct {
	Conditions json.RawMessage `json:"conditions"`
}

// PreScreen uploads the image to the check endpoint. A lesion is detected when
// the backend returns at least one candidate condition.
func (c *Client) PreScreen(ctx context.Context, asset ImageAsset, creds Credentials) (PreScreenResult, error) {
	if !creds.Present() {
		return PreScreenResult{}, ErrAuthMissing
	}
	if strings.TrimSpace(asset.URI) == "" {
		return PreScreenResult{}, &ValidationError{Field: "image", Reason: "image has no URI"}
	}

	imageData, err := c.preparer.Prepare(asset.URI)
	if err != nil {
		return PreScreenResult{}, fmt.Errorf("preparing image: %w", err)
	}

	body, contentType, err := buildMultipart(imageData, nil)
	if err != nil {
		return PreScreenResult{}, err
	}

	respBody, err := c.do(ctx, "pre-screen", http.MethodPost, checkPath, contentType, body, creds.Token)
	if err != nil {
		return PreScreenResult{}, err
	}

	var check checkResponse
	if err := json.Unmarshal(respBody, &check); err != nil {
		return PreScreenResult{}, &ServerError{Op: "pre-screen", StatusCode: http.StatusOK, Body: TruncateBody(respBody), Err: fmt.Errorf("decoding response: %w", err)}
	}

	conditions := decodeConditions(check.Conditions)
	log.Debug().Str("uri", asset.URI).Int("conditions", len(conditions)).Msg("Pre-screen complete")

	return PreScreenResult{
		LesionDetected: len(conditions) > 0,
		RawConditions:  conditions,
	}, nil
}

// textRequest is the JSON body of /models/text
type textRequest struct {
	Prompt  string `json:"prompt"`
	Consent string `json:"consent"`
	UserID  string `json:"userId"`
}

// Submit sends the input for full analysis and returns the raw backend payload.
// consent=true also publishes the scan to the community feed.
func (c *Client) Submit(ctx context.Context, input ScanInput, consent bool, creds Credentials) (RawResponse, error) {
	if !creds.Present() {
		return nil, ErrAuthMissing
	}
	if err := ValidateInput(input); err != nil {
		return nil, err
	}

	var (
		respBody []byte
		err      error
	)
	switch in := input.(type) {
	case ImageInput:
		respBody, err = c.submitImage(ctx, in, consent, creds)
	case TextInput:
		respBody, err = c.submitText(ctx, in, consent, creds)
	default:
		return nil, &ValidationError{Field: "input", Reason: fmt.Sprintf("unsupported input type %T", input)}
	}
	if err != nil {
		return nil, err
	}

	if !json.Valid(respBody) {
		return nil, &ServerError{Op: "submit", StatusCode: http.StatusOK, Body: TruncateBody(respBody), Err: errors.New("response is not valid JSON")}
	}
	return RawResponse(respBody), nil
}

func (c *Client) submitImage(ctx context.Context, in ImageInput, consent bool, creds Credentials) ([]byte, error) {
	imageData, err := c.preparer.Prepare(in.Asset.URI)
	if err != nil {
		return nil, fmt.Errorf("preparing image: %w", err)
	}

	fields := [][2]string{
		{"userId", creds.UserID},
		{"consent", strconv.FormatBool(consent)},
	}
	if symptoms := strings.TrimSpace(in.Symptoms); symptoms != "" {
		fields = append(fields, [2]string{"symptoms", symptoms})
	}

	body, contentType, err := buildMultipart(imageData, fields)
	if err != nil {
		return nil, err
	}

	log.Debug().Bool("consent", consent).Int("upload_size", len(imageData)).Msg("Submitting image scan")
	return c.do(ctx, "submit image", http.MethodPost, imagePath, contentType, body, creds.Token)
}

func (c *Client) submitText(ctx context.Context, in TextInput, consent bool, creds Credentials) ([]byte, error) {
	jsonData, err := json.Marshal(textRequest{
		Prompt:  strings.TrimSpace(in.Symptoms),
		Consent: strconv.FormatBool(consent),
		UserID:  creds.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	log.Debug().Bool("consent", consent).Int("prompt_length", len(in.Symptoms)).Msg("Submitting text scan")
	return c.do(ctx, "submit text", http.MethodPost, textPath, "application/json", bytes.NewReader(jsonData), creds.Token)
}

// buildMultipart writes the image as the "file" part followed by plain fields
func buildMultipart(imageData []byte, fields [][2]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="skin-lesion-%s.jpg"`, uuid.NewString()))
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, "", fmt.Errorf("writing file part: %w", err)
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("writing %s field: %w", field[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// do performs an authenticated request and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, token string) ([]byte, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("op", op).Str("endpoint", path).Msg("Backend request failed")
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	log.Debug().
		Str("op", op).
		Str("endpoint", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Backend response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServerError{Op: op, StatusCode: resp.StatusCode, Body: TruncateBody(respBody)}
	}
	return respBody, nil
}
