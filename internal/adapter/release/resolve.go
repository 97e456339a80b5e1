package release

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

const (
	defaultBaseURL = "https://api.github.com"
	defaultRepo    = "agenttap/agent"
)

// latestResponse is the subset of the releases API we read.
type latestResponse struct {
	TagName string `json:"tag_name"`
}

// Resolver turns an agent version input into a concrete version.
type Resolver struct {
	repo    string
	client  *http.Client
	baseURL string
}

// NewResolver creates a Resolver for the given owner/repo. An empty repo
// selects the default agent repository.
func NewResolver(repo string) *Resolver {
	if repo == "" {
		repo = defaultRepo
	}
	return &Resolver{
		repo:    repo,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// Resolve accepts a version like "16.5.9" (a leading "v" is dropped) or
// "latest". Returns ("", nil) if input is empty.
func (r *Resolver) Resolve(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", nil
	}
	if strings.EqualFold(input, "latest") {
		return r.resolveLatest(ctx)
	}
	v := strings.TrimPrefix(strings.ToLower(input), "v")
	if semverRe.MatchString(v) {
		return v, nil
	}
	return "", fmt.Errorf("invalid agent version %q: expected a version (e.g. 16.5.9) or \"latest\"", input)
}

func (r *Resolver) resolveLatest(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", r.baseURL, r.repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("resolve version: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve version: releases API returned HTTP %d", resp.StatusCode)
	}

	var result latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("resolve version: invalid API response: %w", err)
	}
	v := strings.TrimPrefix(result.TagName, "v")
	if !semverRe.MatchString(v) {
		return "", fmt.Errorf("resolve version: API returned unexpected tag format %q", result.TagName)
	}
	return v, nil
}
