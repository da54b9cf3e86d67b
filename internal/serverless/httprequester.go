package serverless

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// toServerlessServerInit is the first SSE event a serverless endpoint
// sends once it accepts the outbound connection request.
type toServerlessServerInit struct {
	RunnerID string `json:"runner_id"`
}

// HTTPRequester is the production Requester: it issues GET {url}/start
// with the connection's headers and reads the runner id off the first
// "data:" line of the response's SSE stream, per spec §4.6.
type HTTPRequester struct {
	Client *http.Client
}

// NewHTTPRequester returns a Requester backed by client, or
// http.DefaultClient if nil.
func NewHTTPRequester(client *http.Client) *HTTPRequester {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRequester{Client: client}
}

func (h *HTTPRequester) Start(ctx context.Context, in InitInput) (StartResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.Config.URL+"/start", nil)
	if err != nil {
		return StartResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range in.Config.Headers {
		req.Header.Set(k, v)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return StartResult{}, fmt.Errorf("serverless: start request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return StartResult{}, fmt.Errorf("serverless: start request: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var init toServerlessServerInit
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &init); err != nil {
			continue
		}
		if init.RunnerID != "" {
			return StartResult{RunnerID: init.RunnerID}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return StartResult{}, fmt.Errorf("serverless: read SSE stream: %w", err)
	}
	return StartResult{}, fmt.Errorf("serverless: stream closed before runner_id announced")
}
