// Package comfy is the HTTP client for a ComfyUI worker instance.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/folio-ai/folio/errors"
)

// DefaultPollInterval is how often Wait checks the worker's history
const DefaultPollInterval = 500 * time.Millisecond

// Client talks to a single ComfyUI instance over HTTP
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	logger       *zap.SugaredLogger
}

// New creates a worker client for the given base URL
func New(baseURL string, pollInterval time.Duration, logger *zap.SugaredLogger) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{},
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// ImageRef locates an output image on the worker
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Result is the terminal outcome of a submitted workflow
type Result struct {
	PromptID string
	Images   []ImageRef
	Err      string
}

// history mirrors the worker's /history/{id} entry
type history struct {
	Status  historyStatus         `json:"status"`
	Outputs map[string]nodeOutput `json:"outputs"`
}

type historyStatus struct {
	Completed bool    `json:"completed"`
	StatusStr string  `json:"status_str"`
	Messages  [][]any `json:"messages"`
}

type nodeOutput struct {
	Images []ImageRef `json:"images"`
}

// Submit posts a composed workflow graph and returns the worker's prompt ID
func (c *Client) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": workflow})
	if err != nil {
		return "", errors.Wrap(err, "marshal workflow")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(errors.ErrServiceUnavailable, "submit workflow: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Wrapf(errors.ErrServiceUnavailable, "worker rejected workflow: %d %s", resp.StatusCode, string(data))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "decode submit response")
	}
	if result.PromptID == "" {
		return "", errors.New("worker returned empty prompt_id")
	}

	return result.PromptID, nil
}

// getHistory fetches the history entry for a prompt, or nil if the worker
// has not recorded one yet.
func (c *Client) getHistory(ctx context.Context, promptID string) (*history, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build history request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "fetch history: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "fetch history: %d", resp.StatusCode)
	}

	var entries map[string]history
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "decode history response")
	}

	entry, ok := entries[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Wait polls until the workflow completes, fails, or the timeout elapses.
// A worker-reported failure returns a Result with Err set and a nil error;
// transport problems and timeouts return an error.
func (c *Client) Wait(ctx context.Context, promptID string, timeout time.Duration) (*Result, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		entry, err := c.getHistory(ctx, promptID)
		if err != nil {
			return nil, err
		}

		if entry != nil {
			if entry.Status.Completed {
				return &Result{
					PromptID: promptID,
					Images:   extractImages(entry.Outputs),
				}, nil
			}
			if entry.Status.StatusStr == "error" {
				return &Result{
					PromptID: promptID,
					Err:      errorMessage(entry.Status.Messages),
				}, nil
			}
		}

		if time.Now().After(deadline) {
			return nil, errors.Wrapf(errors.ErrTimeout, "workflow %s did not complete within %s", promptID, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait for workflow")
		case <-ticker.C:
		}
	}
}

// extractImages flattens node outputs in node-id order so multi-node graphs
// yield a stable image sequence. Node ids are numeric strings.
func extractImages(outputs map[string]nodeOutput) []ImageRef {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})

	var images []ImageRef
	for _, id := range ids {
		for _, img := range outputs[id].Images {
			if img.Type == "" {
				img.Type = "output"
			}
			images = append(images, img)
		}
	}
	return images
}

func errorMessage(messages [][]any) string {
	if len(messages) > 0 && len(messages[0]) > 1 {
		return fmt.Sprint(messages[0][1])
	}
	return "Unknown error"
}

// FetchImage downloads an output image's bytes from the worker
func (c *Client) FetchImage(ctx context.Context, ref ImageRef) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", ref.Filename)
	params.Set("subfolder", ref.Subfolder)
	folderType := ref.Type
	if folderType == "" {
		folderType = "output"
	}
	params.Set("type", folderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build view request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "fetch image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "fetch image %s: %d", ref.Filename, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read image body")
	}

	return data, nil
}

// UploadImage sends an input image to the worker and returns the stored
// filename to reference in LoadImage nodes.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", errors.Wrap(err, "build upload form")
	}
	if _, err := part.Write(data); err != nil {
		return "", errors.Wrap(err, "write upload payload")
	}
	if err := writer.WriteField("overwrite", "true"); err != nil {
		return "", errors.Wrap(err, "write upload field")
	}
	if err := writer.Close(); err != nil {
		return "", errors.Wrap(err, "finalize upload form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrapf(errors.ErrServiceUnavailable, "upload image: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", errors.Wrapf(errors.ErrServiceUnavailable, "upload image: %d %s", resp.StatusCode, string(data))
	}

	var result struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	if result.Name == "" {
		result.Name = filename
	}

	return result.Name, nil
}

// SystemStats fetches the worker's system stats. Used as a liveness probe.
func (c *Client) SystemStats(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return nil, errors.Wrap(err, "build stats request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "fetch system stats: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrServiceUnavailable, "fetch system stats: %d", resp.StatusCode)
	}

	var stats map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errors.Wrap(err, "decode system stats")
	}

	return stats, nil
}
