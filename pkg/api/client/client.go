package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/splax/bluegreen/internal/domain"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:3000/api/v1"

// ErrInvalidResponse reports a success envelope that lacks the expected data.
var ErrInvalidResponse = errors.New("invalid response from deployment api")

// Client provides typed access to the blue/green deployment API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout bounds every request. An injected HTTP client is copied, not
// modified.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.httpClient
			hc.Timeout = d
			c.httpClient = &hc
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalised API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API. Code carries the
// envelope code when the API sent one.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// envelope is the wrapper of every API response.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(env.Message)
		if decodeErr != nil || msg == "" {
			msg = extractError(data, resp.StatusCode)
		}
		return APIError{Status: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Code != 0 {
		return APIError{Status: resp.StatusCode, Code: env.Code, Message: strings.TrimSpace(env.Message)}
	}
	if v == nil {
		return nil
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return invalidResponse(env.Message)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// extractError falls back to the error field of framework error bodies, then
// to the status text.
func extractError(data []byte, status int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return strings.TrimSpace(payload.Error)
	}
	if text := strings.TrimSpace(string(data)); text != "" && !strings.HasPrefix(text, "{") && len(text) < 512 {
		return text
	}
	return http.StatusText(status)
}

func invalidResponse(message string) error {
	if msg := strings.TrimSpace(message); msg != "" {
		return fmt.Errorf("%w: %s", ErrInvalidResponse, msg)
	}
	return ErrInvalidResponse
}

// GitHubConnectRequest identifies the repository and branch to deploy.
type GitHubConnectRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Token  string `json:"token"`
}

// ConnectGitHub validates repository access and returns the connection id.
func (c *Client) ConnectGitHub(ctx context.Context, req GitHubConnectRequest) (string, error) {
	var data struct {
		GitHubConnectionID string `json:"githubConnectionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/connect/github", req, &data); err != nil {
		return "", fmt.Errorf("connect github: %w", err)
	}
	if data.GitHubConnectionID == "" {
		return "", fmt.Errorf("connect github: %w", ErrInvalidResponse)
	}
	return data.GitHubConnectionID, nil
}

// AWSConnectRequest carries the credentials verified through STS.
type AWSConnectRequest struct {
	Region          string `json:"region"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	SessionToken    string `json:"sessionToken,omitempty"`
}

// ConnectAWS verifies AWS credentials and returns the connection id.
func (c *Client) ConnectAWS(ctx context.Context, req AWSConnectRequest) (string, error) {
	var data struct {
		AWSConnectionID string `json:"awsConnectionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/connect/aws", req, &data); err != nil {
		return "", fmt.Errorf("connect aws: %w", err)
	}
	if data.AWSConnectionID == "" {
		return "", fmt.Errorf("connect aws: %w", ErrInvalidResponse)
	}
	return data.AWSConnectionID, nil
}

// DeployRequest starts the clone, build, push and deploy pipeline.
type DeployRequest struct {
	GitHubConnectionID string `json:"githubConnectionId"`
	AWSConnectionID    string `json:"awsConnectionId"`
	Owner              string `json:"owner"`
	Repo               string `json:"repo"`
	Branch             string `json:"branch"`
}

// DeployStarted acknowledges a started deployment.
type DeployStarted struct {
	DeploymentID string `json:"deploymentId"`
	Message      string `json:"message"`
}

// StartDeployment starts a deployment whose progress is then streamed.
func (c *Client) StartDeployment(ctx context.Context, req DeployRequest) (DeployStarted, error) {
	var started DeployStarted
	if err := c.do(ctx, http.MethodPost, "/deploy", req, &started); err != nil {
		return DeployStarted{}, fmt.Errorf("start deployment: %w", err)
	}
	if started.DeploymentID == "" {
		return DeployStarted{}, fmt.Errorf("start deployment: %w", ErrInvalidResponse)
	}
	return started, nil
}

// DeploymentResult is the final record of a deployment.
type DeploymentResult struct {
	DeploymentID       string   `json:"deploymentId"`
	Status             string   `json:"status"`
	Owner              string   `json:"owner"`
	Repo               string   `json:"repo"`
	Branch             string   `json:"branch"`
	StartedAt          string   `json:"startedAt"`
	CompletedAt        *string  `json:"completedAt"`
	DurationSeconds    float64  `json:"durationSeconds"`
	FinalService       *string  `json:"finalService"`
	BlueURL            *string  `json:"blueUrl"`
	GreenURL           *string  `json:"greenUrl"`
	ErrorMessage       *string  `json:"errorMessage"`
	BlueLatencyMs      *float64 `json:"blueLatencyMs"`
	GreenLatencyMs     *float64 `json:"greenLatencyMs"`
	BlueErrorRate      *float64 `json:"blueErrorRate"`
	GreenErrorRate     *float64 `json:"greenErrorRate"`
	EventCount         int      `json:"eventCount"`
	Successful         bool     `json:"successful"`
	Failed             bool     `json:"failed"`
	FasterService      *string  `json:"fasterService"`
	LatencyImprovement *float64 `json:"latencyImprovement"`
	FormattedDuration  string   `json:"formattedDuration"`
}

// DeploymentResult fetches the final result of a deployment.
func (c *Client) DeploymentResult(ctx context.Context, deploymentID string) (DeploymentResult, error) {
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		return DeploymentResult{}, err
	}
	path := fmt.Sprintf("/deploy/%s/result", url.PathEscape(deploymentID))
	var result DeploymentResult
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return DeploymentResult{}, fmt.Errorf("get deployment result: %w", err)
	}
	return result, nil
}

// GitHubConnection is a stored repository connection.
type GitHubConnection struct {
	ConnectionID string `json:"connectionId"`
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	Branch       string `json:"branch"`
}

// AWSConnection is a stored AWS connection.
type AWSConnection struct {
	ConnectionID string `json:"connectionId"`
	Region       string `json:"region"`
}

// Connections lists the stored connections.
type Connections struct {
	GitHub []GitHubConnection `json:"github"`
	AWS    []AWSConnection    `json:"aws"`
}

// Connections returns the stored GitHub and AWS connections. Missing lists are
// returned empty.
func (c *Client) Connections(ctx context.Context) (Connections, error) {
	var conns Connections
	if err := c.do(ctx, http.MethodGet, "/connections", nil, &conns); err != nil {
		return Connections{}, fmt.Errorf("list connections: %w", err)
	}
	if conns.GitHub == nil {
		conns.GitHub = []GitHubConnection{}
	}
	if conns.AWS == nil {
		conns.AWS = []AWSConnection{}
	}
	return conns, nil
}

// CurrentDeployment describes the deployment the API is running, if any.
type CurrentDeployment struct {
	DeploymentID string `json:"deploymentId"`
	IsActive     bool   `json:"isActive"`
}

// CurrentDeployment returns the active deployment. Any failure, including a
// 404, is treated as no active deployment and returns nil without error.
func (c *Client) CurrentDeployment(ctx context.Context) (*CurrentDeployment, error) {
	var current CurrentDeployment
	if err := c.do(ctx, http.MethodGet, "/deploy/current", nil, &current); err != nil {
		return nil, nil
	}
	if current.DeploymentID == "" {
		return nil, nil
	}
	return &current, nil
}

// SwitchResult reports the service that receives traffic after a switch.
type SwitchResult struct {
	DeploymentID  string `json:"deploymentId"`
	ActiveService string `json:"activeService"`
	Message       string `json:"message"`
}

// SwitchTraffic moves production traffic to the other service of a finished
// blue/green deployment.
func (c *Client) SwitchTraffic(ctx context.Context, deploymentID string) (SwitchResult, error) {
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		return SwitchResult{}, err
	}
	path := fmt.Sprintf("/deploy/%s/switch", url.PathEscape(deploymentID))
	var result SwitchResult
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &result); err != nil {
		return SwitchResult{}, fmt.Errorf("switch traffic: %w", err)
	}
	return result, nil
}

// EventsURL returns the event stream endpoint of a deployment.
func (c *Client) EventsURL(deploymentID string) (string, error) {
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		return "", err
	}
	return url.JoinPath(c.baseURL, "deploy", deploymentID, "events")
}
