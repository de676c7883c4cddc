package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/splax/bluegreen/internal/domain"
	"github.com/splax/bluegreen/internal/progress"
)

// State is the transport state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Diagnostic records a frame that was dropped.
type Diagnostic struct {
	At      time.Time
	Kind    string
	Detail  string
	Payload string
}

// Connection supervises the event stream of one deployment.
//
// A single goroutine owns the transport and every write to the aggregate, so
// events are folded in arrival order. A reader goroutine only scans frames
// and hands them over.
type Connection struct {
	deploymentID string
	session      string
	endpoint     string
	gen          uint64
	store        *progress.Store
	http         *http.Client
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time
	maxAttempts  int
	watchdogIn   time.Duration
	backoff      *backoff.ExponentialBackOff

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	state        atomic.Int32
	attemptCount atomic.Int32

	mu          sync.Mutex
	diagnostics []Diagnostic

	// owned by run
	attempts    int
	everOpened  bool
	terminated  bool
	watchdog    *time.Timer
	lastEventID string
}

type openStream struct {
	resp   *http.Response
	cancel context.CancelFunc
}

type dialResult struct {
	resp *http.Response
	err  error
}

// DeploymentID returns the followed deployment.
func (c *Connection) DeploymentID() string { return c.deploymentID }

// Session returns the identifier attached to this connection's log lines.
func (c *Connection) Session() string { return c.session }

// State returns the current transport state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Attempts returns the reconnect attempts since the stream was last open.
func (c *Connection) Attempts() int { return int(c.attemptCount.Load()) }

// Done is closed once the connection has fully stopped.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Diagnostics returns the frames dropped so far.
func (c *Connection) Diagnostics() []Diagnostic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Diagnostic, len(c.diagnostics))
	copy(out, c.diagnostics)
	return out
}

// Close stops the connection and waits for it to release the transport. No
// event is folded after Close returns. Close is idempotent; it must not be
// called from a progress subscriber, which runs on the connection goroutine.
func (c *Connection) Close() {
	c.closeOnce.Do(c.cancel)
	<-c.done
}

func (c *Connection) run() {
	defer close(c.done)
	defer c.shutdown()

	c.logger.Info("deployment stream opening", "endpoint", c.endpoint)
	for {
		s, ok := c.connect()
		if !ok {
			return
		}
		if !c.consume(s) {
			return
		}
		if !c.pause(c.backoff.NextBackOff()) {
			return
		}
	}
}

// connect dials until the stream opens. It reports false when the connection
// ends instead: closed by the caller or out of attempts.
func (c *Connection) connect() (openStream, bool) {
	for {
		c.setState(StateConnecting)
		attemptCtx, cancelAttempt := context.WithCancel(c.ctx)
		results := make(chan dialResult, 1)
		lastEventID := c.lastEventID
		go func() {
			resp, err := c.dial(attemptCtx, lastEventID)
			results <- dialResult{resp: resp, err: err}
		}()

		res, ok := c.awaitDial(results, cancelAttempt)
		if !ok {
			return openStream{}, false
		}
		if res.err == nil {
			c.opened()
			return openStream{resp: res.resp, cancel: cancelAttempt}, true
		}
		cancelAttempt()
		if !c.transportFailed(res.err) {
			return openStream{}, false
		}
		if !c.pause(c.backoff.NextBackOff()) {
			return openStream{}, false
		}
	}
}

func (c *Connection) awaitDial(results <-chan dialResult, cancelAttempt context.CancelFunc) (dialResult, bool) {
	abandon := func() {
		cancelAttempt()
		if r := <-results; r.resp != nil {
			r.resp.Body.Close()
		}
	}
	for {
		select {
		case <-c.ctx.Done():
			abandon()
			return dialResult{}, false
		case res := <-results:
			return res, true
		case <-c.watchdogC():
			if c.watchdogExpired() {
				abandon()
				return dialResult{}, false
			}
			// The hung attempt fails with a context error and is counted.
			cancelAttempt()
		}
	}
}

func (c *Connection) dial(ctx context.Context, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &StatusError{Status: resp.StatusCode, Message: strings.TrimSpace(string(buf))}
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("open stream: unexpected content type %q", resp.Header.Get("Content-Type"))
	}
	return resp, nil
}

// consume folds frames until the stream ends. It reports true when the
// transport dropped and a reconnect should follow.
func (c *Connection) consume(s openStream) bool {
	frames := make(chan Frame)
	ended := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		sc := newScanner(s.resp.Body)
		for sc.Next() {
			select {
			case frames <- sc.Frame():
			case <-stop:
				return
			}
		}
		ended <- sc.Err()
	}()
	defer func() {
		close(stop)
		s.cancel()
		s.resp.Body.Close()
		c.metrics.closed()
	}()

	for {
		select {
		case <-c.ctx.Done():
			return false
		case f := <-frames:
			if c.handleFrame(f) {
				return false
			}
		case err := <-ended:
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return c.transportFailed(err)
		}
	}
}

// handleFrame decodes and folds one frame. It reports true once a terminal
// event has been folded.
func (c *Connection) handleFrame(f Frame) bool {
	if f.ID != "" {
		c.lastEventID = f.ID
	}
	if f.Retry > 0 {
		c.backoff.InitialInterval = f.Retry
		if c.backoff.MaxInterval < f.Retry {
			c.backoff.MaxInterval = f.Retry
		}
		c.backoff.Reset()
	}
	if f.Data == "" && f.Retry > 0 {
		return false
	}

	ev, err := decodeFrame(f, c.now())
	if err != nil {
		c.diagnose("decode", err, f.Data)
		return false
	}
	c.metrics.frame(ev.Type)

	var applyErr error
	next, ok := c.store.Update(c.gen, func(p progress.Progress) progress.Progress {
		n, err := progress.Apply(p, ev)
		applyErr = err
		return n
	})
	if !ok {
		return true
	}
	if applyErr != nil {
		c.logger.Debug("ignoring deployment event", "type", ev.Type, "error", applyErr)
		return false
	}
	if ev.Type.Terminal() && next.IsComplete {
		c.terminated = true
		c.metrics.terminal(string(ev.Type))
		c.logger.Info("deployment finished", "outcome", ev.Type, "stage", next.CurrentStage)
		return true
	}
	return false
}

func (c *Connection) opened() {
	c.attempts = 0
	c.attemptCount.Store(0)
	c.stopWatchdog()
	c.everOpened = true
	c.backoff.Reset()
	c.setState(StateOpen)
	c.metrics.opened()
	c.store.Update(c.gen, progress.Opened)
	c.logger.Info("deployment stream open")
}

// transportFailed enters CONNECTING after a failure. It reports false when the
// attempt bound is reached and the connection has been failed.
func (c *Connection) transportFailed(err error) bool {
	c.attempts++
	c.attemptCount.Store(int32(c.attempts))
	c.metrics.reconnect()
	c.setState(StateConnecting)
	c.store.Update(c.gen, progress.Disconnected)
	c.logger.Warn("deployment stream interrupted", "attempt", c.attempts, "max_attempts", c.maxAttempts, "error", err)

	if c.everOpened && c.watchdog == nil {
		c.watchdog = time.NewTimer(c.watchdogIn)
	}
	if c.attempts >= c.maxAttempts {
		c.exhaust()
		return false
	}
	return true
}

// pause waits d before the next attempt. It reports false when the
// connection ended while waiting.
func (c *Connection) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-c.watchdogC():
			if c.watchdogExpired() {
				return false
			}
		}
	}
}

func (c *Connection) watchdogC() <-chan time.Time {
	if c.watchdog == nil {
		return nil
	}
	return c.watchdog.C
}

// watchdogExpired handles the reconnect watchdog firing while not open. It
// reports true when the connection has been failed.
func (c *Connection) watchdogExpired() bool {
	c.watchdog = nil
	c.metrics.watchdog()
	if c.attempts >= c.maxAttempts {
		c.exhaust()
		return true
	}
	c.logger.Warn("reconnect watchdog elapsed", "attempt", c.attempts, "max_attempts", c.maxAttempts)
	return false
}

func (c *Connection) stopWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

// exhaust folds the synthetic connection failure. It fires at most once per
// connection and never after a terminal event.
func (c *Connection) exhaust() {
	if c.terminated {
		return
	}
	c.terminated = true
	c.stopWatchdog()

	ev := domain.DeploymentEvent{
		Type:    domain.EventFail,
		Message: ConnectionFailedMessage,
		Details: map[string]any{"attempts": c.attempts},
	}.Stamp(c.now())
	c.store.Update(c.gen, func(p progress.Progress) progress.Progress {
		if p.IsComplete {
			return progress.Disconnected(p)
		}
		next, _ := progress.Apply(p, ev)
		return progress.Disconnected(next)
	})
	c.metrics.terminal("exhausted")
	c.logger.Error("deployment stream failed", "attempts", c.attempts)
}

func (c *Connection) diagnose(kind string, err error, payload string) {
	const maxPayload = 256
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}
	c.mu.Lock()
	c.diagnostics = append(c.diagnostics, Diagnostic{At: c.now().UTC(), Kind: kind, Detail: err.Error(), Payload: payload})
	c.mu.Unlock()
	c.metrics.decodeError()
	c.logger.Warn("dropping deployment frame", "kind", kind, "error", err)
}

func (c *Connection) shutdown() {
	c.stopWatchdog()
	c.setState(StateClosed)
	c.store.Update(c.gen, progress.Disconnected)
	c.cancel()
	c.logger.Info("deployment stream closed")
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}
