// Package generator provides an HTTP client for the lip-sync generation service.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
	"github.com/book-expert/lipsync-service/internal/media"
)

// API endpoints and paths.
const (
	apiGenerateLips = "/v1/generate/lips"
	apiHealth       = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "generator service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "generator service returned non-OK status: %s, body: %s"
	errFmtInputLengths         = "%d mel chunks, %d masked crops, %d reference crops"
)

var (
	// ErrEmptyBatch indicates a Forward call without inputs.
	ErrEmptyBatch = errors.New("batch cannot be empty")
	// ErrInputLengthMismatch indicates mel, masked and reference inputs of differing length.
	ErrInputLengthMismatch = errors.New("generator inputs differ in length")
)

// Mel is the wire form of one mel chunk.
type Mel struct {
	Bins  int       `json:"bins"`
	Steps int       `json:"steps"`
	Data  []float32 `json:"data"`
}

// Request is the JSON payload of a generation call. Crops are PNG encoded
// and travel as base64 strings.
type Request struct {
	Mels      []Mel    `json:"mels"`
	Masked    [][]byte `json:"masked"`
	Reference [][]byte `json:"reference"`
}

// Response holds one PNG patch per request entry, in order.
type Response struct {
	Patches [][]byte `json:"patches"`
}

// ErrorResponse represents a structured error response from the service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPClient implements core.LipModel against the generation service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Forward sends one batch to the generation service and returns the decoded
// mouth patches in request order. mels, masked and reference are parallel
// slices: entry i of each describes output step i of the batch.
//
// Crops travel as base64 PNG inside the JSON body and patches come back the
// same way. The number of returned patches is not checked here; the
// pipeline compares it with the batch length.
//
// Service failures are decoded from the structured error body when one is
// present, otherwise the raw body is returned in the error.
func (c *HTTPClient) Forward(
	ctx context.Context,
	mels []core.MelChunk,
	masked, reference []*image.RGBA,
) ([]image.Image, error) {
	// Validate the batch at the boundary
	if len(mels) == 0 {
		return nil, ErrEmptyBatch
	}

	if len(masked) != len(mels) || len(reference) != len(mels) {
		return nil, fmt.Errorf("%w: "+errFmtInputLengths, ErrInputLengthMismatch, len(mels), len(masked), len(reference))
	}

	// Encode crops and mel chunks
	payload, err := buildRequest(mels, masked, reference)
	if err != nil {
		return nil, err
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiGenerateLips, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	// Send request with configured timeout
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to generator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	// Decode every patch back to an image
	var generated Response

	decodeErr := json.NewDecoder(resp.Body).Decode(&generated)
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode generator response: %w", decodeErr)
	}

	patches := make([]image.Image, len(generated.Patches))

	for i, data := range generated.Patches {
		patch, patchErr := media.DecodeFrame(data)
		if patchErr != nil {
			return nil, fmt.Errorf("failed to decode patch %d: %w", i, patchErr)
		}

		patches[i] = patch
	}

	return patches, nil
}

// HealthCheck verifies that the generation service is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for generator at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func buildRequest(mels []core.MelChunk, masked, reference []*image.RGBA) (*Request, error) {
	payload := &Request{
		Mels:      make([]Mel, len(mels)),
		Masked:    make([][]byte, len(mels)),
		Reference: make([][]byte, len(mels)),
	}

	for i, mel := range mels {
		payload.Mels[i] = Mel{Bins: mel.Bins, Steps: mel.Steps, Data: mel.Data}

		maskedData, err := media.EncodeFrame(masked[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode masked crop %d: %w", i, err)
		}

		referenceData, err := media.EncodeFrame(reference[i])
		if err != nil {
			return nil, fmt.Errorf("failed to encode reference crop %d: %w", i, err)
		}

		payload.Masked[i] = maskedData
		payload.Reference[i] = referenceData
	}

	return payload, nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw
// body when the service did not send one.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
