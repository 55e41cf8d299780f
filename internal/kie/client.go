// Package kie wraps the KIE image generation task API: create a task, query
// its status, parse its result payload. Task completion is additionally pushed
// to the configured callback URL; both paths carry the same record shape.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	StateWaiting    = "waiting"
	StateQueuing    = "queuing"
	StateGenerating = "generating"
	StateSuccess    = "success"
	StateFail       = "fail"
)

// Terminal reports whether a task state is final.
func Terminal(state string) bool {
	return state == StateSuccess || state == StateFail
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TaskRequest is one unit of provider work, one per requested variation.
type TaskRequest struct {
	Model        string
	Prompt       string
	ImageURLs    []string
	AspectRatio  string
	Resolution   string
	OutputFormat string
	CallbackURL  string
}

// TaskRecord is the provider's view of a task, identical whether it arrived
// by polling or by webhook push.
type TaskRecord struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailMsg    string `json:"failMsg"`
}

type taskResult struct {
	ResultURLs []string `json:"resultUrls"`
}

type createTaskInput struct {
	Prompt       string   `json:"prompt"`
	ImageURLs    []string `json:"image_urls,omitempty"`
	ImageSize    string   `json:"image_size,omitempty"`
	Resolution   string   `json:"resolution,omitempty"`
	OutputFormat string   `json:"output_format,omitempty"`
}

type createTaskReq struct {
	Model       string          `json:"model"`
	CallBackURL string          `json:"callBackUrl,omitempty"`
	Input       createTaskInput `json:"input"`
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type createTaskData struct {
	TaskID string `json:"taskId"`
}

// CreateTask submits one generation task and returns the provider task id.
// Submission is not idempotent on the provider side; callers own the
// consequences of retrying.
func (c *Client) CreateTask(ctx context.Context, req TaskRequest) (string, error) {
	payload := createTaskReq{
		Model:       req.Model,
		CallBackURL: req.CallbackURL,
		Input: createTaskInput{
			Prompt:       req.Prompt,
			ImageURLs:    req.ImageURLs,
			ImageSize:    req.AspectRatio,
			Resolution:   req.Resolution,
			OutputFormat: req.OutputFormat,
		},
	}

	var env apiEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/jobs/createTask", payload, &env); err != nil {
		return "", err
	}
	if env.Code != 200 {
		return "", fmt.Errorf("kie: create task: code %d: %s", env.Code, env.Msg)
	}

	var data createTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("kie: decode create response: %w", err)
	}
	if data.TaskID == "" {
		return "", errors.New("kie: create task: empty task id")
	}
	return data.TaskID, nil
}

// QueryTask fetches the current task record.
func (c *Client) QueryTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	var env apiEnvelope
	path := "/api/v1/jobs/recordInfo?taskId=" + taskID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, err
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("kie: query task %s: code %d: %s", taskID, env.Code, env.Msg)
	}

	var rec TaskRecord
	if err := json.Unmarshal(env.Data, &rec); err != nil {
		return nil, fmt.Errorf("kie: decode task record: %w", err)
	}
	return &rec, nil
}

// ParseResultURLs extracts the output URLs from a successful task's result
// payload.
func ParseResultURLs(resultJSON string) ([]string, error) {
	if resultJSON == "" {
		return nil, errors.New("kie: empty result payload")
	}
	var res taskResult
	if err := json.Unmarshal([]byte(resultJSON), &res); err != nil {
		return nil, fmt.Errorf("kie: parse result payload: %w", err)
	}
	if len(res.ResultURLs) == 0 {
		return nil, errors.New("kie: result payload has no urls")
	}
	return res.ResultURLs, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out *apiEnvelope) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("kie: %s %s: status %d, body: %s", method, path, resp.StatusCode, string(raw))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
