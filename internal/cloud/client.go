// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/astrobro/internal/chat"
)

// Configuration constants for OpenRouter API.
const (
	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	// maxErrorBody caps how much of an error body is read.
	maxErrorBody = 64 * 1024

	userAgent = "astrobro/0.3.0"
)

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	sharedTransport = &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	sharedHTTPClient = &http.Client{
		Transport: sharedTransport,
		Timeout:   DefaultTimeout,
	}

	// sharedStreamingClient has no timeout; streams are bounded by their context.
	sharedStreamingClient = &http.Client{
		Transport: sharedTransport,
	}
)

// Error variables for common OpenRouter errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoModel rejects a request without a model identifier.
	ErrNoModel = errors.New("model is required")
)

// OpenRouterError represents an error from the OpenRouter API.
//
// Status is the HTTP status of the response, or the numeric code of an error
// reported inside an otherwise successful stream. It is zero when the
// upstream gave no numeric code.
type OpenRouterError struct {
	Code     string
	Message  string
	Status   int
	Provider string
	// RetryAfter is parsed from the Retry-After header of a 429.
	RetryAfter time.Duration

	kind error
}

// Error implements the error interface.
func (e *OpenRouterError) Error() string {
	var b strings.Builder
	if e.Status != 0 {
		fmt.Fprintf(&b, "error code: %d", e.Status)
	} else {
		b.WriteString("OpenRouter error")
	}
	if e.Code != "" && e.Code != strconv.Itoa(e.Status) {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Provider != "" {
		fmt.Fprintf(&b, " from %s", e.Provider)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// HTTPStatus returns the upstream status. It makes the error classifiable by
// chat.IsRetryable.
func (e *OpenRouterError) HTTPStatus() int {
	return e.Status
}

// Unwrap exposes the sentinel for the status, if any.
func (e *OpenRouterError) Unwrap() error {
	return e.kind
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

// Pricing represents the pricing information for a model.
type Pricing struct {
	Prompt     string `json:"prompt"`     // Cost per token for prompts
	Completion string `json:"completion"` // Cost per token for completions
}

// IsFree reports whether both prompt and completion are priced at zero.
func (p Pricing) IsFree() bool {
	return isZeroPrice(p.Prompt) && isZeroPrice(p.Completion)
}

func isZeroPrice(s string) bool {
	if s == "" {
		return false
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && f == 0
}

// ModelInfo represents information about an available model.
type ModelInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ContextSize int     `json:"context_length"`
	Pricing     Pricing `json:"pricing"`
}

// modelsResponse is the internal response structure for listing models.
type modelsResponse struct {
	Data []struct {
		ID            string   `json:"id"`
		Name          string   `json:"name"`
		ContextLength int      `json:"context_length"`
		Pricing       *Pricing `json:"pricing"`
	} `json:"data"`
}

// KeyInfo describes the API key as reported by OpenRouter.
type KeyInfo struct {
	Label      string   `json:"label"`
	Usage      float64  `json:"usage"`
	Limit      *float64 `json:"limit"`
	IsFreeTier bool     `json:"is_free_tier"`
}

// apiErrorBody is the error object OpenRouter returns, both as a whole
// response body and inside stream chunks.
type apiErrorBody struct {
	// Code is a number for HTTP-like errors and a string for others.
	Code     json.RawMessage `json:"code"`
	Message  string          `json:"message"`
	Metadata struct {
		ProviderName string `json:"provider_name"`
	} `json:"metadata"`
}

type apiErrorResponse struct {
	Error *apiErrorBody `json:"error"`
}

// toError converts the body to an OpenRouterError. status is used when the
// body carries no numeric code.
func (b *apiErrorBody) toError(status int) *OpenRouterError {
	e := &OpenRouterError{
		Message:  b.Message,
		Status:   status,
		Provider: b.Metadata.ProviderName,
	}
	raw := strings.TrimSpace(string(b.Code))
	if raw == "" || raw == "null" {
		return e
	}
	if n, err := strconv.Atoi(raw); err == nil {
		e.Code = raw
		if e.Status == 0 {
			e.Status = n
		}
		return e
	}
	var s string
	if err := json.Unmarshal(b.Code, &s); err == nil {
		e.Code = s
	}
	return e
}

// OpenRouterClient is a client for communicating with the OpenRouter API.
// It is safe for concurrent use; every request names its model explicitly.
type OpenRouterClient struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
	siteURL      string
	siteName     string
	// systemRole renames the system message on the wire when set.
	systemRole string
}

// NewOpenRouterClient creates a new OpenRouter client with the given API key.
//
// The API key should be in the format "sk-or-..." as provided by OpenRouter.
// If the API key is empty, the client will still be created but requests
// will fail with ErrNotConfigured.
func NewOpenRouterClient(apiKey string) *OpenRouterClient {
	return &OpenRouterClient{
		apiKey:       strings.TrimSpace(apiKey),
		baseURL:      DefaultOpenRouterURL,
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
		siteURL:      "https://astrobro.app",
		siteName:     "AstroBro",
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *OpenRouterClient) WithBaseURL(url string) *OpenRouterClient {
	if url != "" {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
	return c
}

// WithTimeout sets the timeout of non-streaming requests.
func (c *OpenRouterClient) WithTimeout(timeout time.Duration) *OpenRouterClient {
	if timeout > 0 {
		c.httpClient = &http.Client{Transport: c.httpClient.Transport, Timeout: timeout}
	}
	return c
}

// WithHTTPClient replaces both the request and the streaming HTTP client.
func (c *OpenRouterClient) WithHTTPClient(hc *http.Client) *OpenRouterClient {
	c.httpClient = hc
	c.streamClient = hc
	return c
}

// WithSiteURL sets the site URL sent as HTTP-Referer for app attribution.
func (c *OpenRouterClient) WithSiteURL(url string) *OpenRouterClient {
	c.siteURL = url
	return c
}

// WithSiteName sets the site name sent as X-Title.
func (c *OpenRouterClient) WithSiteName(name string) *OpenRouterClient {
	c.siteName = name
	return c
}

// WithSystemRole sends system messages under role instead of "system".
// OpenAI-style endpoints also accept "developer".
func (c *OpenRouterClient) WithSystemRole(role string) *OpenRouterClient {
	c.systemRole = role
	return c
}

// wireMessages applies the configured system role name.
func (c *OpenRouterClient) wireMessages(messages []chat.Message) []chat.Message {
	if c.systemRole == "" || c.systemRole == string(chat.RoleSystem) {
		return messages
	}
	out := make([]chat.Message, len(messages))
	for i, m := range messages {
		if m.Role == chat.RoleSystem {
			m.Role = chat.Role(c.systemRole)
		}
		out[i] = m
	}
	return out
}

// WithAPIKey returns a copy of the client that authenticates with apiKey.
// Used to serve a user who stored their own key.
func (c *OpenRouterClient) WithAPIKey(apiKey string) *OpenRouterClient {
	clone := *c
	clone.apiKey = strings.TrimSpace(apiKey)
	return &clone
}

// BaseURL returns the API base URL.
func (c *OpenRouterClient) BaseURL() string {
	return c.baseURL
}

// IsConfigured returns true if the client has an API key configured.
func (c *OpenRouterClient) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns a masked version of the API key for display.
// SECURITY: Never exposes API key fragments - use fingerprint instead.
func (c *OpenRouterClient) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), c.KeyFingerprint())
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key for logs.
func (c *OpenRouterClient) KeyFingerprint() string {
	return Fingerprint(c.apiKey)
}

// Fingerprint returns the first 8 hex characters of the SHA-256 of key.
func Fingerprint(key string) string {
	if key == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for OpenRouter API requests.
func (c *OpenRouterClient) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if int64(len(body)) == MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}

	return body, nil
}

// handleErrorResponse converts an HTTP error response to an *OpenRouterError.
// The well-known statuses also match their sentinel through errors.Is.
func handleErrorResponse(resp *http.Response, body []byte) error {
	statusCode := resp.StatusCode

	var orErr *OpenRouterError
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		orErr = parsed.Error.toError(statusCode)
		// The HTTP status wins over the body's code.
		orErr.Status = statusCode
	} else {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(statusCode)
		}
		orErr = &OpenRouterError{Message: msg, Status: statusCode}
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		orErr.kind = ErrAuthFailed
	case http.StatusPaymentRequired:
		orErr.kind = ErrInsufficientCredits
	case http.StatusNotFound:
		orErr.kind = ErrModelNotFound
	case http.StatusTooManyRequests:
		orErr.kind = ErrRateLimited
		orErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return orErr
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ListModels retrieves the list of available models from OpenRouter.
func (c *OpenRouterClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Models endpoint doesn't require auth
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp, body)
	}

	var modelsResp modelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}

	models := make([]ModelInfo, 0, len(modelsResp.Data))
	for _, m := range modelsResp.Data {
		info := ModelInfo{
			ID:          m.ID,
			Name:        m.Name,
			ContextSize: m.ContextLength,
		}
		if m.Pricing != nil {
			info.Pricing = *m.Pricing
		}
		models = append(models, info)
	}

	return models, nil
}

// CheckKey asks OpenRouter about the configured key. A rejected key returns
// an error matching ErrAuthFailed.
func (c *OpenRouterClient) CheckKey(ctx context.Context) (*KeyInfo, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/key", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	req.Header.Del("Authorization")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	log.Printf("OPENROUTER_KEY_CHECK | key=%s status=%d duration=%v", c.KeyFingerprint(), resp.StatusCode, time.Since(start).Round(time.Millisecond))

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp, body)
	}

	var wrapped struct {
		Data KeyInfo `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse key response: %w", err)
	}
	return &wrapped.Data, nil
}

// ValidateAPIKey checks if the API key format appears valid.
// Note: This doesn't verify the key with OpenRouter, just checks the format.
func ValidateAPIKey(apiKey string) bool {
	apiKey = strings.TrimSpace(apiKey)

	if !strings.HasPrefix(apiKey, "sk-or-") {
		return false
	}

	// sk-or- prefix + at least 32 chars
	if len(apiKey) < 38 {
		return false
	}

	// Reject obvious placeholders like "sk-or-aaaaaaaa..."
	uniqueChars := make(map[rune]bool)
	for _, char := range apiKey[6:] {
		uniqueChars[char] = true
	}
	return len(uniqueChars) >= 10
}
