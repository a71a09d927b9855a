// Package apiclient provides the HTTP client for the TTS backend.
//
// The client covers the job lifecycle endpoints (create, status, history,
// delete), audio download for playback, and the voice catalog endpoints used
// to populate language and speaker choices.
package apiclient

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
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/tts-studio/internal/core"
)

// API endpoints and paths.
const (
	apiCreateJobFmt = "/api/v1/tts/%s"
	apiJobs         = "/api/v1/jobs"
	apiJobFmt       = "/api/v1/jobs/%d"
	apiLanguages    = "/api/v1/languages"
	apiSpeakers     = "/api/v1/speakers"
	apiHealth       = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	acceptAudio         = "audio/*"
	bearerPrefix        = "Bearer "
)

// Multipart form field names for voice clone submissions.
const (
	formFieldText           = "text"
	formFieldLanguage       = "language"
	formFieldInstruct       = "instruct"
	formFieldReferenceText  = "ref_text"
	formFieldReferenceAudio = "reference_audio"
)

// Default values.
const (
	defaultLanguage    = "Auto"
	defaultRecordingFn = "reference.wav"
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "TTS service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS service returned non-OK status: %s, body: %s"
)

// Static errors.
var (
	ErrTextEmpty              = errors.New("text cannot be empty")
	ErrInvalidMode            = errors.New("invalid job mode")
	ErrSpeakerRequired        = errors.New("speaker is required for custom voice jobs")
	ErrInstructRequired       = errors.New("design instructions are required for voice design jobs")
	ErrReferenceAudioRequired = errors.New("reference audio is required for voice clone jobs")
	ErrNoAudioReference       = errors.New("job has no audio reference")
	ErrReceivedEmptyAudio     = errors.New("received empty audio data")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status     string
	StatusCode int
	Detail     string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf(errFmtServiceNonOKStatus, e.Status, e.Detail)
	}

	return fmt.Sprintf(errFmtServiceErrorWithCode, e.Status, e.Detail, e.Code)
}

// HTTPClient represents a client for the TTS backend.
// It encapsulates the HTTP configuration and an optional bearer token.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// errorResponse represents a structured error response from the backend.
type errorResponse struct {
	// Detail contains a human-readable error description.
	Detail string `json:"detail"`

	// ErrorCode provides a machine-readable error classification.
	ErrorCode string `json:"error_code,omitempty"`
}

// jobPayload is the JSON body of custom voice and voice design submissions.
type jobPayload struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Speaker  string `json:"speaker,omitempty"`
	Instruct string `json:"instruct,omitempty"`
}

// Language is one entry of the language catalog.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Speaker is one entry of the preset speaker catalog.
type Speaker struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Language    string `json:"language,omitempty"`
	Description string `json:"description,omitempty"`
}

// NewHTTPClient creates and configures an HTTP client for the TTS backend.
// The baseURL should include the protocol and port (e.g., "http://localhost:8000").
// The timeout applies to all HTTP requests made by this client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CreateJob submits a synthesis job and returns the accepted job identifier.
// Voice clone jobs are sent as multipart/form-data carrying the reference
// audio; the other modes are sent as JSON.
func (c *HTTPClient) CreateJob(
	ctx context.Context,
	req core.CreateJobRequest,
) (core.CreateJobResponse, error) {
	err := validateCreateRequest(req)
	if err != nil {
		return core.CreateJobResponse{}, err
	}

	if req.Language == "" {
		req.Language = defaultLanguage
	}

	var (
		body        io.Reader
		contentType string
	)

	if req.Mode == core.ModeVoiceClone {
		body, contentType, err = buildCloneForm(req)
	} else {
		body, contentType, err = buildJSONBody(req)
	}

	if err != nil {
		return core.CreateJobResponse{}, err
	}

	endpoint := fmt.Sprintf(apiCreateJobFmt, strings.ReplaceAll(string(req.Mode), "_", "-"))

	httpReq, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return core.CreateJobResponse{}, err
	}

	httpReq.Header.Set(headerContentType, contentType)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	var created core.CreateJobResponse

	err = c.doJSON(httpReq, &created)
	if err != nil {
		return core.CreateJobResponse{}, fmt.Errorf("failed to create job: %w", err)
	}

	return created, nil
}

// GetJob fetches the current record of a job.
func (c *HTTPClient) GetJob(ctx context.Context, id int64) (core.Job, error) {
	httpReq, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf(apiJobFmt, id), http.NoBody)
	if err != nil {
		return core.Job{}, err
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	var job core.Job

	err = c.doJSON(httpReq, &job)
	if err != nil {
		return core.Job{}, fmt.Errorf("failed to get job %d: %w", id, err)
	}

	return job, nil
}

// ListJobs returns the most recent jobs, newest first as ordered by the backend.
func (c *HTTPClient) ListJobs(ctx context.Context, limit int) ([]core.Job, error) {
	endpoint := apiJobs
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}

	httpReq, err := c.newRequest(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	var jobs []core.Job

	err = c.doJSON(httpReq, &jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes a job and its audio from the backend.
func (c *HTTPClient) DeleteJob(ctx context.Context, id int64) error {
	httpReq, err := c.newRequest(ctx, http.MethodDelete, fmt.Sprintf(apiJobFmt, id), http.NoBody)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to TTS service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("failed to delete job %d: %w", id, parseErrorResponse(resp))
	}

	return nil
}

// DownloadAudio fetches the synthesized audio of a completed job.
// Relative audio references are resolved against the client's base URL.
func (c *HTTPClient) DownloadAudio(ctx context.Context, job core.Job) ([]byte, error) {
	ref := job.AudioReference()
	if ref == "" {
		return nil, fmt.Errorf("%w: job %d", ErrNoAudioReference, job.ID)
	}

	target, err := c.resolve(ref)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.authorize(httpReq)
	httpReq.Header.Set(headerAccept, acceptAudio)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to download audio from %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrReceivedEmptyAudio
	}

	return audioData, nil
}

// Languages returns the language catalog.
func (c *HTTPClient) Languages(ctx context.Context) ([]Language, error) {
	var languages []Language

	err := c.getJSON(ctx, apiLanguages, &languages)
	if err != nil {
		return nil, fmt.Errorf("failed to load languages: %w", err)
	}

	return languages, nil
}

// Speakers returns the preset speaker catalog.
func (c *HTTPClient) Speakers(ctx context.Context) ([]Speaker, error) {
	var speakers []Speaker

	err := c.getJSON(ctx, apiSpeakers, &speakers)
	if err != nil {
		return nil, fmt.Errorf("failed to load speakers: %w", err)
	}

	return speakers, nil
}

// HealthCheck verifies that the TTS backend is running and operational.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"health check failed for service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

func (c *HTTPClient) newRequest(
	ctx context.Context,
	method, path string,
	body io.Reader,
) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.authorize(httpReq)

	return httpReq, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set(headerAuthorization, bearerPrefix+c.token)
	}
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, target any) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, path, http.NoBody)
	if err != nil {
		return err
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	return c.doJSON(httpReq, target)
}

// doJSON sends the request and decodes a 2xx JSON body into target.
func (c *HTTPClient) doJSON(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(
			"failed to send request to TTS service at %s: %w",
			c.baseURL,
			err,
		)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return parseErrorResponse(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.URL.Path, err)
	}

	return nil
}

func (c *HTTPClient) resolve(ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid audio reference %q: %w", ref, err)
	}

	if refURL.IsAbs() {
		return ref, nil
	}

	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", c.baseURL, err)
	}

	return base.ResolveReference(refURL).String(), nil
}

// parseErrorResponse attempts to decode a structured JSON error from the service.
// If structured parsing fails, it falls back to the raw response body
// to ensure diagnostic information is preserved.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	apiErr := &APIError{
		Status:     resp.Status,
		StatusCode: resp.StatusCode,
		Detail:     strings.TrimSpace(string(body)),
	}

	var structured errorResponse

	if json.Unmarshal(body, &structured) == nil && structured.Detail != "" {
		apiErr.Detail = structured.Detail
		apiErr.Code = structured.ErrorCode
	}

	return apiErr
}

// IsInvalidRequest reports whether err comes from the local request checks
// that run before anything is sent to the backend.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidMode) ||
		errors.Is(err, ErrTextEmpty) ||
		errors.Is(err, ErrSpeakerRequired) ||
		errors.Is(err, ErrInstructRequired) ||
		errors.Is(err, ErrReferenceAudioRequired)
}

func validateCreateRequest(req core.CreateJobRequest) error {
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	if strings.TrimSpace(req.Text) == "" {
		return ErrTextEmpty
	}

	switch req.Mode {
	case core.ModeCustomVoice:
		if req.Speaker == "" {
			return ErrSpeakerRequired
		}
	case core.ModeVoiceDesign:
		if req.Instruct == "" {
			return ErrInstructRequired
		}
	case core.ModeVoiceClone:
		if req.ReferenceAudio == nil || len(req.ReferenceAudio.Data) == 0 {
			return ErrReferenceAudioRequired
		}
	}

	return nil
}

func buildJSONBody(req core.CreateJobRequest) (io.Reader, string, error) {
	payload := jobPayload{
		Text:     req.Text,
		Language: req.Language,
		Speaker:  req.Speaker,
		Instruct: req.Instruct,
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	return bytes.NewReader(requestBody), contentTypeJSON, nil
}

func buildCloneForm(req core.CreateJobRequest) (io.Reader, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	fields := [][2]string{
		{formFieldText, req.Text},
		{formFieldLanguage, req.Language},
		{formFieldInstruct, req.Instruct},
		{formFieldReferenceText, req.ReferenceText},
	}

	for _, field := range fields {
		if field[1] == "" {
			continue
		}

		err := writer.WriteField(field[0], field[1])
		if err != nil {
			return nil, "", fmt.Errorf("failed to write %s field: %w", field[0], err)
		}
	}

	audioFile := req.ReferenceAudio

	fileName := audioFile.Name
	if fileName == "" {
		fileName = defaultRecordingFn
	}

	partHeader := make(textproto.MIMEHeader)
	partHeader.Set(
		"Content-Disposition",
		fmt.Sprintf(`form-data; name=%q; filename=%q`, formFieldReferenceAudio, fileName),
	)

	if audioFile.MIMEType != "" {
		partHeader.Set(headerContentType, audioFile.MIMEType)
	}

	part, err := writer.CreatePart(partHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = part.Write(audioFile.Data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to copy file data: %w", err)
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
