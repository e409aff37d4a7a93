// Package detector provides an HTTP client for a remote face detection service.
//
// The service exposes the raw network: tensors go in as little-endian float32
// bodies and raw detections come back as JSON.
package detector

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/lipsync-service/internal/core"
)

// API endpoints and paths.
const (
	apiInfo   = "/v1/info"
	apiDetect = "/v1/detect"
	apiHealth = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerTensorShape = "X-Tensor-Shape"
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

const (
	errorCodeOutOfMemory = "out_of_memory"
	float32Size          = 4
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "detector service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "detector service returned non-OK status: %s, body: %s"
	errFmtShapeDataMismatch    = "shape %v needs %d values, got %d"
)

var (
	// ErrEmptyInput indicates a tensor without data.
	ErrEmptyInput = errors.New("input tensor is empty")
	// ErrInvalidResponse indicates a malformed detection payload.
	ErrInvalidResponse = errors.New("invalid detector response")
)

// Info is the model description returned by the info endpoint.
type Info struct {
	// InputShape is the declared NCHW input shape; non-positive dims are dynamic.
	InputShape []int64 `json:"input_shape"`
	// ConcurrentInference is set when the server can run requests in parallel.
	ConcurrentInference bool `json:"concurrent_inference"`
}

// DetectResponse carries the raw [N, K, 5] detection tensor.
type DetectResponse struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// ErrorResponse represents a structured error response from the service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HTTPClient implements core.FaceDetector and core.SupportsConcurrentInference
// against the detection service.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	// forceConcurrent overrides the server's advertised concurrency.
	forceConcurrent bool

	mu         sync.Mutex
	advertised bool
}

// NewHTTPClient creates a client for the service at baseURL. When
// concurrent is true the detector is treated as safe for parallel calls
// regardless of what the service advertises.
func NewHTTPClient(baseURL string, timeout time.Duration, concurrent bool) *HTTPClient {
	return &HTTPClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: timeout},
		forceConcurrent: concurrent,
	}
}

// Info fetches the model description.
func (c *HTTPClient) Info(ctx context.Context) (Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiInfo, http.NoBody)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create info request: %w", err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Info{}, fmt.Errorf("failed to send info request to detector at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Info{}, parseErrorResponse(resp)
	}

	var info Info

	decodeErr := json.NewDecoder(resp.Body).Decode(&info)
	if decodeErr != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrInvalidResponse, decodeErr)
	}

	c.mu.Lock()
	c.advertised = info.ConcurrentInference
	c.mu.Unlock()

	return info, nil
}

// InputShape returns the declared input shape from the info endpoint.
func (c *HTTPClient) InputShape(ctx context.Context) ([]int64, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}

	return info.InputShape, nil
}

// ConcurrentInferenceSafe reports the configured override or, failing that,
// the concurrency advertised by the last info call.
func (c *HTTPClient) ConcurrentInferenceSafe() bool {
	if c.forceConcurrent {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.advertised
}

// Infer runs one forward pass of the detection network on input and returns
// the raw [N, K, 5] detection tensor.
//
// The tensor is sent as a little-endian float32 body with its shape in the
// X-Tensor-Shape header, so a batch of N frames costs a single request.
// Both the request and the response shapes must match their data length.
//
// A 507 status or an out_of_memory error code is reported as
// core.ErrDetectorOutOfMemory so the localizer can retry with a smaller
// batch. Every other failure is returned as is.
func (c *HTTPClient) Infer(ctx context.Context, input core.Tensor) (core.Tensor, error) {
	// Validate the tensor at the boundary
	if len(input.Data) == 0 {
		return core.Tensor{}, ErrEmptyInput
	}

	err := checkShape(input.Shape, len(input.Data))
	if err != nil {
		return core.Tensor{}, err
	}

	// Serialise the tensor data
	body := make([]byte, len(input.Data)*float32Size)
	for i, value := range input.Data {
		binary.LittleEndian.PutUint32(body[i*float32Size:], math.Float32bits(value))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiDetect, bytes.NewReader(body))
	if err != nil {
		return core.Tensor{}, fmt.Errorf("failed to create detect request: %w", err)
	}

	req.Header.Set(headerContentType, contentTypeBinary)
	req.Header.Set(headerAccept, contentTypeJSON)
	req.Header.Set(headerTensorShape, FormatShape(input.Shape))

	// Send request with configured timeout
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.Tensor{}, fmt.Errorf("failed to send detect request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Tensor{}, parseErrorResponse(resp)
	}

	// Decode and check the detection tensor
	var detections DetectResponse

	decodeErr := json.NewDecoder(resp.Body).Decode(&detections)
	if decodeErr != nil {
		return core.Tensor{}, fmt.Errorf("%w: %w", ErrInvalidResponse, decodeErr)
	}

	shapeErr := checkShape(detections.Shape, len(detections.Data))
	if shapeErr != nil {
		return core.Tensor{}, fmt.Errorf("%w: %w", ErrInvalidResponse, shapeErr)
	}

	return core.Tensor{Shape: detections.Shape, Data: detections.Data}, nil
}

// HealthCheck verifies that the detection service is up.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for detector at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// FormatShape renders a shape as the comma separated header value.
func FormatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, dim := range shape {
		parts[i] = strconv.FormatInt(dim, 10)
	}

	return strings.Join(parts, ",")
}

// ParseShape is the inverse of FormatShape.
func ParseShape(value string) ([]int64, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: empty shape", ErrInvalidResponse)
	}

	parts := strings.Split(value, ",")
	shape := make([]int64, len(parts))

	for i, part := range parts {
		dim, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid shape %q: %w", value, err)
		}

		shape[i] = dim
	}

	return shape, nil
}

func checkShape(shape []int64, n int) error {
	want := int64(1)
	for _, dim := range shape {
		want *= dim
	}

	if len(shape) == 0 || want != int64(n) {
		return fmt.Errorf(errFmtShapeDataMismatch, shape, want, n)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error, falling back to the raw
// body when the service did not send one.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		if resp.StatusCode == http.StatusInsufficientStorage || errorResp.ErrorCode == errorCodeOutOfMemory {
			return fmt.Errorf("%w: %s", core.ErrDetectorOutOfMemory, errorResp.Detail)
		}

		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	if resp.StatusCode == http.StatusInsufficientStorage {
		return fmt.Errorf("%w: %s", core.ErrDetectorOutOfMemory, strings.TrimSpace(string(body)))
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, string(body))
}
