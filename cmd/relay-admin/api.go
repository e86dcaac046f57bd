// ABOUTME: Thin HTTP client for the relay's operator endpoints
// ABOUTME: Retries transport failures and 5xx; decodes {"error": ...} bodies into errors

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/wire"
)

type api struct {
	base string
	http *retryablehttp.Client
}

func newAPI(base string) *api {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil
	return &api{base: strings.TrimRight(base, "/"), http: rc}
}

func (a *api) do(ctx context.Context, method, path string, body, out any) error {
	var payload any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, a.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return fmt.Errorf("%s (HTTP %d)", body.Error, resp.StatusCode)
}

func (a *api) agents(ctx context.Context) ([]wire.AgentView, error) {
	var out []wire.AgentView
	return out, a.do(ctx, http.MethodGet, "/api/agents", nil, &out)
}

func (a *api) agent(ctx context.Context, id string) (*gateway.AgentDetailResponse, error) {
	var out gateway.AgentDetailResponse
	if err := a.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *api) deleteAgent(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, nil)
}

func (a *api) issue(ctx context.Context, agentID, text string) (*gateway.IssueCommandResponse, error) {
	var out gateway.IssueCommandResponse
	req := gateway.IssueCommandRequest{AgentID: agentID, Command: text}
	if err := a.do(ctx, http.MethodPost, "/api/commands", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *api) command(ctx context.Context, id string) (*wire.CommandView, error) {
	var out wire.CommandView
	if err := a.do(ctx, http.MethodGet, "/api/commands/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *api) history(ctx context.Context, agentID string, limit int) ([]wire.CommandView, error) {
	path := "/api/agents/" + url.PathEscape(agentID) + "/commands"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []wire.CommandView
	return out, a.do(ctx, http.MethodGet, path, nil, &out)
}

func (a *api) files(ctx context.Context, agentID string) ([]wire.FileView, error) {
	var out []wire.FileView
	return out, a.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(agentID)+"/files", nil, &out)
}

func (a *api) stats(ctx context.Context) (*gateway.StatsResponse, error) {
	var out gateway.StatsResponse
	if err := a.do(ctx, http.MethodGet, "/api/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// events follows /api/events and calls fn for every envelope until ctx ends
// or the stream closes.
func (a *api) events(ctx context.Context, fn func(*wire.Envelope)) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	return readSSE(resp.Body, fn)
}

// readSSE decodes the data line of each event; comments and event names are skipped
// because the envelope carries its own type.
func readSSE(r io.Reader, fn func(*wire.Envelope)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var env wire.Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fn(&env)
	}
	return scanner.Err()
}
