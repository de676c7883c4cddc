package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

const (
	DefaultMaxAttempts   = 5
	DefaultWatchdog      = 30 * time.Second
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 15 * time.Second

	// ConnectionFailedMessage is the message of the synthetic fail event
	// folded when reconnection is exhausted.
	ConnectionFailedMessage = "stream connection failed"

	maxErrorBodySize = 4096
)

// ErrInvalidDeploymentID is returned by Open for identifiers that cannot name
// a stream endpoint.
var ErrInvalidDeploymentID = domain.ErrInvalidDeploymentID

// ErrClientClosed is returned by Open after Close.
var ErrClientClosed = errors.New("stream client closed")

// StatusError reports a stream endpoint that answered with something other
// than an event stream.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stream request failed with status %d", e.Status)
	}
	return fmt.Sprintf("stream request failed (%d): %s", e.Status, e.Message)
}

// Config configures a Client. Zero values select the defaults.
type Config struct {
	BaseURL string
	// HTTPClient must not set a Timeout; streams are long-lived.
	HTTPClient    *http.Client
	MaxAttempts   int
	Watchdog      time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Client follows one deployment stream at a time and keeps its progress in a
// single store. Opening a stream for another deployment closes the previous
// one and resets the store.
type Client struct {
	cfg     Config
	baseURL string
	store   *progress.Store
	logger  *slog.Logger
	now     func() time.Time

	openMu  sync.Mutex
	mu      sync.Mutex
	current *Connection
	closed  bool
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("stream base url required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid stream base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid stream base url scheme %q", parsed.Scheme)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(DefaultMaxRetryDelay, cfg.RetryDelay)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		cfg:     cfg,
		baseURL: base,
		store:   progress.NewStore(),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Progress returns the store holding the aggregate of the followed deployment.
func (c *Client) Progress() *progress.Store {
	return c.store
}

// Current returns the most recently opened connection, if any.
func (c *Client) Current() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// EventsURL returns the stream endpoint for deploymentID.
func (c *Client) EventsURL(deploymentID string) (string, error) {
	if err := domain.ValidateDeploymentID(deploymentID); err != nil {
		return "", err
	}
	return url.JoinPath(c.baseURL, "deploy", deploymentID, "events")
}

// Open starts following deploymentID. Any previous connection is closed and
// the store is reset before the new stream is dialled. Only a malformed
// identifier is reported; transport failures are handled by reconnecting.
//
// The connection lives until Close, a terminal event, exhausted reconnects or
// cancellation of ctx. Progress subscribers may call Current but must not call
// Open or Close, since both wait for the connection goroutine that runs them.
func (c *Client) Open(ctx context.Context, deploymentID string) (*Connection, error) {
	endpoint, err := c.EventsURL(deploymentID)
	if err != nil {
		return nil, err
	}

	c.openMu.Lock()
	defer c.openMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	prev := c.current
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	gen := c.store.Reset(deploymentID)

	session := uuid.NewString()
	connCtx, cancel := context.WithCancel(ctx)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryDelay
	bo.MaxInterval = c.cfg.MaxRetryDelay
	bo.Reset()

	conn := &Connection{
		deploymentID: deploymentID,
		session:      session,
		endpoint:     endpoint,
		gen:          gen,
		store:        c.store,
		http:         c.cfg.HTTPClient,
		logger:       c.logger.With("deployment_id", deploymentID, "session", session),
		metrics:      c.cfg.Metrics,
		now:          c.now,
		maxAttempts:  c.cfg.MaxAttempts,
		watchdogIn:   c.cfg.Watchdog,
		backoff:      bo,
		ctx:          connCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, ErrClientClosed
	}
	c.current = conn
	c.mu.Unlock()
	go conn.run()
	return conn, nil
}

// Close closes the current connection and rejects further Opens. It is safe
// to call repeatedly.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.current
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
