// Package challenge talks to the hackattic challenge API: it fetches the
// problem payload for a challenge and submits a solution for it.
package challenge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://hackattic.com"

// Problem is the payload served by the problem endpoint.
type Problem struct {
	Dump string `json:"dump"`
}

// Solution is the body posted to the solve endpoint.
type Solution struct {
	AliveSSNs []string `json:"alive_ssns"`
}

// Client fetches problems and submits solutions for a single challenge.
type Client struct {
	BaseURL     string
	Name        string
	AccessToken string
	HTTP        *http.Client
}

// NewClient returns a Client with a 30 second HTTP timeout.
func NewClient(baseURL, name, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:     baseURL,
		Name:        name,
		AccessToken: token,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchProblem downloads the current problem.
func (c *Client) FetchProblem(ctx context.Context) (*Problem, error) {
	u, err := c.endpoint("problem")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching problem: %w", err)
	}

	var p Problem
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding problem: %w", err)
	}
	if p.Dump == "" {
		return nil, fmt.Errorf("problem has no dump")
	}
	return &p, nil
}

// Submit posts the solution and returns the raw response body.
func (c *Client) Submit(ctx context.Context, s *Solution) (string, error) {
	u, err := c.endpoint("solve")
	if err != nil {
		return "", err
	}

	if s.AliveSSNs == nil {
		s = &Solution{AliveSSNs: []string{}}
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding solution: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return "", fmt.Errorf("submitting solution: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *Client) endpoint(action string) (string, error) {
	if c.AccessToken == "" {
		return "", fmt.Errorf("no access token configured (set HACKATTIC_ACCESS_TOKEN)")
	}
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(fmt.Sprintf("%s/challenges/%s/%s", base, url.PathEscape(c.Name), action))
	if err != nil {
		return "", fmt.Errorf("parsing challenge URL: %w", err)
	}
	q := u.Query()
	q.Set("access_token", c.AccessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("challenge API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
