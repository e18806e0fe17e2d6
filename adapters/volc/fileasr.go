package volc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultFileEndpoint is the vendor's file (non-streaming) transcription API.
	DefaultFileEndpoint = "https://openspeech.bytedance.com/api/v3/auc/bigmodel"
	// DefaultFileResourceID selects the bigmodel file transcription resource.
	DefaultFileResourceID = "volc.bigasr.auc"

	defaultModelName = "bigmodel"

	minPollInterval     = 300 * time.Millisecond
	maxPollInterval     = 5 * time.Second
	defaultPollInterval = time.Second
	minPollTimeout      = 3 * time.Second
	maxPollTimeout      = 120 * time.Second
	defaultPollTimeout  = 20 * time.Second
)

// Vendor status codes. The header-level X-Api-Status-Code takes precedence
// over the body-level resp.code when both are present.
const (
	codeTaskDone       = 20000000
	codeTaskProcessing = 20000001
	// Codes at or above this threshold are failures.
	codeFailureThreshold = 40000000
	// Observed ad hoc codes outside the documented buckets: 1000 means done
	// when a transcript is present and processing otherwise; 2001 is queued.
	codeAmbiguousOK = 1000
	codeQueued      = 2001
)

// ErrInvalidInput marks caller mistakes (bad URL, missing task id). These
// surface as 4xx failures and are never retried.
var ErrInvalidInput = errors.New("volc: invalid input")

// TaskState is the lifecycle state of one file transcription task.
type TaskState string

const (
	TaskSubmitted  TaskState = "submitted"
	TaskProcessing TaskState = "processing"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
)

// TaskErrorKind distinguishes the upstream-task-level failures.
type TaskErrorKind string

const (
	SubmitFailed TaskErrorKind = "submit_failed"
	QueryFailed  TaskErrorKind = "query_failed"
	QueryTimeout TaskErrorKind = "query_timeout"
)

// TaskError carries enough context to resume a task by id later: the raw
// vendor response for submit failures, the accumulated poll history for
// query failures and timeouts.
type TaskError struct {
	Kind    TaskErrorKind
	Message string
	TaskID  string
	Err     error

	Last     *Observation
	History  []Observation
	Response json.RawMessage
	Meta     ResponseMeta
}

func (e *TaskError) Unwrap() error { return e.Err }

func (e *TaskError) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("volc: %s (task %s): %s", e.Kind, e.TaskID, e.Message)
	}
	return fmt.Sprintf("volc: %s: %s", e.Kind, e.Message)
}

// ResponseMeta is the header-level metadata of one vendor API response.
// StatusCode is zero when the X-Api-Status-Code header was absent.
type ResponseMeta struct {
	HTTPStatus int    `json:"httpStatus"`
	StatusCode int    `json:"apiStatusCode,omitempty"`
	Message    string `json:"apiMessage,omitempty"`
	LogID      string `json:"logId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// Observation is one poll result. The history of a task is an append-only
// sequence of these, kept for diagnostics and timeout reporting.
type Observation struct {
	At      time.Time `json:"at"`
	State   TaskState `json:"state"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Text    string    `json:"text"`
}

// FileTaskInput is the caller-supplied description of a file transcription
// job. Boolean options use pointers so that "absent" can fall back to the
// defaults rather than false.
type FileTaskInput struct {
	AudioURL       string `json:"audioUrl"`
	AudioFormat    string `json:"audioFormat,omitempty"`
	EnableITN      *bool  `json:"enableItn,omitempty"`
	EnablePunc     *bool  `json:"enablePunc,omitempty"`
	ModelName      string `json:"modelName,omitempty"`
	PollIntervalMs int    `json:"pollIntervalMs,omitempty"`
	TimeoutMs      int    `json:"timeoutMs,omitempty"`
}

// NormalizedInput is a validated FileTaskInput with every option resolved.
type NormalizedInput struct {
	AudioURL     string        `json:"audioUrl"`
	AudioFormat  string        `json:"audioFormat"`
	EnableITN    bool          `json:"enableItn"`
	EnablePunc   bool          `json:"enablePunc"`
	ModelName    string        `json:"modelName"`
	PollInterval time.Duration `json:"-"`
	Timeout      time.Duration `json:"-"`

	PollIntervalMs int `json:"pollIntervalMs"`
	TimeoutMs      int `json:"timeoutMs"`
}

var knownAudioFormats = map[string]bool{
	"wav": true, "mp3": true, "ogg": true, "m4a": true,
	"aac": true, "flac": true, "amr": true, "webm": true,
}

// InferAudioFormat guesses the audio format from the URL's file extension,
// defaulting to wav when absent or unrecognized.
func InferAudioFormat(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "wav"
	}
	segments := strings.Split(strings.ToLower(parsed.Path), "/")
	last := ""
	for _, segment := range segments {
		if segment != "" {
			last = segment
		}
	}
	if idx := strings.LastIndex(last, "."); idx >= 0 {
		if ext := last[idx+1:]; knownAudioFormats[ext] {
			return ext
		}
	}
	return "wav"
}

func clampDuration(ms int, fallback, min, max time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	d := time.Duration(ms) * time.Millisecond
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// NormalizeFileTaskInput validates the audio URL, infers a missing audio
// format and clamps the polling options into their documented bounds.
func NormalizeFileTaskInput(input FileTaskInput) (NormalizedInput, error) {
	audioURL := strings.TrimSpace(input.AudioURL)
	if audioURL == "" {
		return NormalizedInput{}, fmt.Errorf("%w: audioUrl is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(audioURL)
	if err != nil || parsed.Host == "" {
		return NormalizedInput{}, fmt.Errorf("%w: audioUrl must be a valid URL", ErrInvalidInput)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return NormalizedInput{}, fmt.Errorf("%w: audioUrl must start with http:// or https://", ErrInvalidInput)
	}

	format := strings.ToLower(strings.TrimSpace(input.AudioFormat))
	if format == "" {
		format = InferAudioFormat(audioURL)
	}

	modelName := strings.TrimSpace(input.ModelName)
	if modelName == "" {
		modelName = defaultModelName
	}

	enableITN := true
	if input.EnableITN != nil {
		enableITN = *input.EnableITN
	}
	enablePunc := true
	if input.EnablePunc != nil {
		enablePunc = *input.EnablePunc
	}

	interval := clampDuration(input.PollIntervalMs, defaultPollInterval, minPollInterval, maxPollInterval)
	timeout := clampDuration(input.TimeoutMs, defaultPollTimeout, minPollTimeout, maxPollTimeout)

	return NormalizedInput{
		AudioURL:       audioURL,
		AudioFormat:    format,
		EnableITN:      enableITN,
		EnablePunc:     enablePunc,
		ModelName:      modelName,
		PollInterval:   interval,
		Timeout:        timeout,
		PollIntervalMs: int(interval / time.Millisecond),
		TimeoutMs:      int(timeout / time.Millisecond),
	}, nil
}

// taskResponseBody is the JSON shape shared by submit and query responses.
// The result field is kept raw: the vendor returns either an object or an
// array depending on the model.
type taskResponseBody struct {
	Resp struct {
		ID      string `json:"id"`
		Code    *int   `json:"code"`
		Message string `json:"message"`
	} `json:"resp"`
	Result json.RawMessage `json:"result"`
}

func extractResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var object struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &object); err == nil && object.Text != nil {
		return *object.Text
	}

	var list []struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, item := range list {
			if item.Text != nil {
				return *item.Text
			}
		}
	}

	return ""
}

// FileClient talks to the vendor's file transcription HTTP API.
type FileClient struct {
	endpoint   string
	resourceID string
	creds      Credentials
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFileClient creates a file transcription client. A nil httpClient uses a
// dedicated client with a conservative request timeout.
func NewFileClient(creds Credentials, endpoint, resourceID string, httpClient *http.Client, logger *zap.Logger) *FileClient {
	if endpoint == "" {
		endpoint = DefaultFileEndpoint
	}
	if resourceID == "" {
		resourceID = DefaultFileResourceID
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &FileClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		resourceID: resourceID,
		creds:      creds,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *FileClient) request(ctx context.Context, operation string, payload interface{}, requestID string) (*taskResponseBody, json.RawMessage, ResponseMeta, error) {
	var meta ResponseMeta

	if err := c.creds.Validate(); err != nil {
		return nil, nil, meta, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("marshal %s payload: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/"+operation, bytes.NewReader(body))
	if err != nil {
		return nil, nil, meta, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-App-Key", c.creds.AppID)
	req.Header.Set("X-Api-Access-Key", c.creds.AccessToken)
	req.Header.Set("X-Api-Resource-Id", c.resourceID)
	req.Header.Set("X-Api-Request-Id", requestID)
	req.Header.Set("X-Api-Sequence", "-1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("%s request: %w", operation, err)
	}
	defer resp.Body.Close()

	meta.HTTPStatus = resp.StatusCode
	meta.RequestID = requestID
	meta.Message = resp.Header.Get("X-Api-Message")
	meta.LogID = resp.Header.Get("X-Tt-Logid")
	if code, err := strconv.Atoi(resp.Header.Get("X-Api-Status-Code")); err == nil {
		meta.StatusCode = code
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, meta, fmt.Errorf("read %s response: %w", operation, err)
	}

	parsed := &taskResponseBody{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, parsed); err != nil {
			return nil, raw, meta, fmt.Errorf("%s returned non-JSON response: %w", operation, err)
		}
	}

	return parsed, raw, meta, nil
}

// SubmitResult is the outcome of a successful submit call.
type SubmitResult struct {
	TaskID     string          `json:"taskId"`
	Normalized NormalizedInput `json:"normalized"`
	Response   json.RawMessage `json:"response,omitempty"`
	Meta       ResponseMeta    `json:"meta"`
}

// Submit validates and normalizes the input, then submits one transcription
// task. When the vendor response carries no task id, the outgoing request id
// is reused as the task id.
func (c *FileClient) Submit(ctx context.Context, input FileTaskInput) (*SubmitResult, error) {
	normalized, err := NormalizeFileTaskInput(input)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"user": map[string]interface{}{"uid": "demo-user"},
		"audio": map[string]interface{}{
			"url":    normalized.AudioURL,
			"format": normalized.AudioFormat,
		},
		"request": map[string]interface{}{
			"model_name":  normalized.ModelName,
			"enable_itn":  normalized.EnableITN,
			"enable_punc": normalized.EnablePunc,
		},
	}

	requestID := uuid.NewString()
	body, raw, meta, err := c.request(ctx, "submit", payload, requestID)
	if err != nil {
		return nil, &TaskError{Kind: SubmitFailed, Message: err.Error(), Err: err, Response: raw, Meta: meta}
	}

	code := meta.StatusCode
	if code == 0 && body.Resp.Code != nil {
		code = *body.Resp.Code
	}
	if code != 0 && code != codeTaskDone && code != codeAmbiguousOK {
		message := meta.Message
		if message == "" {
			message = body.Resp.Message
		}
		if message == "" {
			message = "submit task failed"
		}
		return nil, &TaskError{Kind: SubmitFailed, Message: message, Response: raw, Meta: meta}
	}

	taskID := strings.TrimSpace(body.Resp.ID)
	if taskID == "" {
		taskID = requestID
	}

	c.logger.Info("Submitted file transcription task",
		zap.String("taskID", taskID),
		zap.String("audioFormat", normalized.AudioFormat),
		zap.Int("statusCode", code))

	return &SubmitResult{
		TaskID:     taskID,
		Normalized: normalized,
		Response:   raw,
		Meta:       meta,
	}, nil
}

// TaskSnapshot is the state of a task as seen by one query call.
type TaskSnapshot struct {
	TaskID   string          `json:"taskId"`
	State    TaskState       `json:"state"`
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Text     string          `json:"text"`
	Response json.RawMessage `json:"response,omitempty"`
	Meta     ResponseMeta    `json:"meta"`
}

// Query fetches the current state of a task. The task id also serves as the
// request id of the query call.
func (c *FileClient) Query(ctx context.Context, taskID string) (*TaskSnapshot, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("%w: taskId is required", ErrInvalidInput)
	}

	body, raw, meta, err := c.request(ctx, "query", map[string]interface{}{}, taskID)
	if err != nil {
		return nil, &TaskError{Kind: QueryFailed, Message: err.Error(), Err: err, TaskID: taskID, Response: raw, Meta: meta}
	}

	state, code, message, text := c.deriveTaskState(body, meta)
	return &TaskSnapshot{
		TaskID:   taskID,
		State:    state,
		Code:     code,
		Message:  message,
		Text:     text,
		Response: raw,
		Meta:     meta,
	}, nil
}

// deriveTaskState classifies a query response. The rules follow the vendor's
// observed behaviour: the documented done/processing/failure-threshold codes
// first, then the ad hoc 1000/2001 codes, then the conservative defaults of
// "has text means done" and "neither code nor text means failed". Codes
// outside the known buckets are logged rather than silently reclassified.
func (c *FileClient) deriveTaskState(body *taskResponseBody, meta ResponseMeta) (TaskState, int, string, string) {
	code := meta.StatusCode
	if code == 0 && body.Resp.Code != nil {
		code = *body.Resp.Code
	}
	message := meta.Message
	if message == "" {
		message = body.Resp.Message
	}
	text := extractResultText(body.Result)

	switch {
	case code == codeTaskDone, text != "" && code == codeAmbiguousOK:
		return TaskDone, code, message, text
	case code == codeTaskProcessing, code == codeQueued:
		return TaskProcessing, code, message, text
	case code >= codeFailureThreshold:
		return TaskFailed, code, message, text
	case code == codeAmbiguousOK:
		// 1000 without text: still in flight.
		return TaskProcessing, code, message, text
	}

	if code != 0 {
		c.logger.Warn("Unrecognized file task status code",
			zap.Int("code", code),
			zap.String("message", message))
	}
	if text != "" {
		return TaskDone, code, message, text
	}
	return TaskFailed, code, message, text
}

// PollResult is the outcome of a completed polling loop.
type PollResult struct {
	TaskID  string        `json:"taskId"`
	Final   TaskSnapshot  `json:"final"`
	History []Observation `json:"history"`
}

// PollUntilDone queries the task until it reaches a terminal state or the
// timeout elapses. Every observation is appended to the returned
// history; a QueryTimeout error keeps the full history so the caller can
// resume by task id later. The wait between polls is cooperative: it
// respects ctx cancellation and never blocks other sessions.
func (c *FileClient) PollUntilDone(ctx context.Context, taskID string, interval, timeout time.Duration) (*PollResult, error) {
	startedAt := time.Now()
	var history []Observation

	for {
		snapshot, err := c.Query(ctx, taskID)
		if err != nil {
			var taskErr *TaskError
			if errors.As(err, &taskErr) {
				taskErr.History = history
			}
			return nil, err
		}

		observation := Observation{
			At:      time.Now(),
			State:   snapshot.State,
			Code:    snapshot.Code,
			Message: snapshot.Message,
			Text:    snapshot.Text,
		}
		history = append(history, observation)

		if snapshot.State == TaskDone {
			return &PollResult{TaskID: taskID, Final: *snapshot, History: history}, nil
		}

		if snapshot.State == TaskFailed {
			message := snapshot.Message
			if message == "" {
				message = "file transcription query failed"
			}
			return nil, &TaskError{
				Kind:    QueryFailed,
				Message: message,
				TaskID:  taskID,
				Last:    &observation,
				History: history,
			}
		}

		if time.Since(startedAt) >= timeout {
			return nil, &TaskError{
				Kind:    QueryTimeout,
				Message: "file transcription query timed out",
				TaskID:  taskID,
				History: history,
			}
		}

		select {
		case <-ctx.Done():
			return nil, &TaskError{
				Kind:    QueryTimeout,
				Message: "polling cancelled: " + ctx.Err().Error(),
				TaskID:  taskID,
				History: history,
			}
		case <-time.After(interval):
		}
	}
}

// RecognizeResult is the combined outcome of submit plus poll.
type RecognizeResult struct {
	TaskID     string          `json:"taskId"`
	Normalized NormalizedInput `json:"normalized"`
	Text       string          `json:"text"`
	Final      TaskSnapshot    `json:"final"`
	History    []Observation   `json:"history"`
}

// Recognize submits a task and polls it to a terminal state in one call.
func (c *FileClient) Recognize(ctx context.Context, input FileTaskInput) (*RecognizeResult, error) {
	submitted, err := c.Submit(ctx, input)
	if err != nil {
		return nil, err
	}

	polled, err := c.PollUntilDone(ctx, submitted.TaskID, submitted.Normalized.PollInterval, submitted.Normalized.Timeout)
	if err != nil {
		return nil, err
	}

	return &RecognizeResult{
		TaskID:     submitted.TaskID,
		Normalized: submitted.Normalized,
		Text:       polled.Final.Text,
		Final:      polled.Final,
		History:    polled.History,
	}, nil
}
