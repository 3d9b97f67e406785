package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// ChatCompletionsPath is the endpoint batch requests target.
const ChatCompletionsPath = "/v1/chat/completions"

// OpenAIClient talks to an OpenAI-compatible API. It carries both surfaces:
// synchronous chat completions and the asynchronous files/batches API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	meter      *SpendMeter
	logger     *zap.Logger
}

type OpenAIOption func(*OpenAIClient)

func WithBaseURL(u string) OpenAIOption {
	return func(c *OpenAIClient) { c.baseURL = u }
}

func WithHTTPClient(hc *http.Client) OpenAIOption {
	return func(c *OpenAIClient) { c.httpClient = hc }
}

func NewOpenAIClient(apiKey string, meter *SpendMeter, logger *zap.Logger, opts ...OpenAIOption) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: API key not configured")
	}
	c := &OpenAIClient{
		baseURL:    defaultOpenAIBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		meter:      meter,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BuildChatBody builds the wire body of a chat completion request. It is
// shared by the sync path and the batch request serializer so both modes
// produce identical requests.
func BuildChatBody(req Request) ([]byte, error) {
	body := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	if req.ReasoningEffort != "" {
		body["reasoning_effort"] = string(req.ReasoningEffort)
	}
	if req.MaxTokens > 0 {
		body["max_completion_tokens"] = req.MaxTokens
	}
	if req.Schema != nil {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.Schema.Name,
				"strict": true,
				"schema": req.Schema.Schema,
			},
		}
	}
	return json.Marshal(body)
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseChatResponse extracts the first text output and usage from a chat
// completion body. Shared by the sync client and the batch output parser.
func ParseChatResponse(body []byte) (*Completion, error) {
	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode completion: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyResponse
	}
	return &Completion{
		Content: parsed.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
			TotalTokens:  parsed.Usage.TotalTokens,
		},
	}, nil
}

// Complete performs one synchronous completion with transient-failure retry.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Completion, error) {
	payload, err := BuildChatBody(req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		body, err := c.post(ctx, "/chat/completions", "application/json", bytes.NewReader(payload))
		if err == nil {
			completion, perr := ParseChatResponse(body)
			if perr != nil {
				return nil, perr
			}
			if c.meter != nil {
				c.meter.Add(req.Model, completion.Usage)
			}
			return completion, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isTransient(err) || attempt == 3 {
			return nil, err
		}
		if err := sleepCtx(ctx, time.Duration(1<<(attempt-1))*time.Second); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// UploadFile uploads JSONL bytes for batch processing and returns the file id.
func (c *OpenAIClient) UploadFile(ctx context.Context, name string, jsonl []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(jsonl); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	body, err := c.post(ctx, "/files", mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode file upload: %w", err)
	}
	if parsed.ID == "" {
		return "", errors.New("llm: file upload returned no id")
	}
	return parsed.ID, nil
}

// CreateBatch starts a batch job over an uploaded input file.
func (c *OpenAIClient) CreateBatch(ctx context.Context, inputFileID, endpoint, completionWindow string) (*BatchJob, error) {
	payload, err := json.Marshal(map[string]any{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": completionWindow,
	})
	if err != nil {
		return nil, err
	}
	body, err := c.post(ctx, "/batches", "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	var job BatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("llm: decode batch: %w", err)
	}
	if job.ID == "" {
		return nil, errors.New("llm: batch creation returned no id")
	}
	return &job, nil
}

// RetrieveBatch polls a batch job's current state.
func (c *OpenAIClient) RetrieveBatch(ctx context.Context, batchID string) (*BatchJob, error) {
	body, err := c.get(ctx, "/batches/"+batchID)
	if err != nil {
		return nil, err
	}
	var job BatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("llm: decode batch: %w", err)
	}
	return &job, nil
}

// DownloadFile fetches the raw contents of a service file.
func (c *OpenAIClient) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	return c.get(ctx, "/files/"+fileID+"/content")
}

func (c *OpenAIClient) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req)
}

func (c *OpenAIClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.baseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return c.do(req)
}

func (c *OpenAIClient) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 256<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, &httpError{status: res.StatusCode, body: string(body[:min(len(body), 512)])}
	}
	return body, nil
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("llm: status code: %d body=%s", e.status, e.body)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var he *httpError
	if errors.As(err, &he) {
		return he.status == http.StatusTooManyRequests || he.status >= 500
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
