package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/substrate-id/d2p/internal/platform/config"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/timeouts"
)

const statusPath = "/hosted/onboarding/d2p/status"

// Config controls polling cadence and failure tolerance.
type Config struct {
	// Interval is the fixed delay between polls.
	Interval time.Duration `env:"SUBSTRATE_D2P_POLL_INTERVAL" envDefault:"1s"`
	// MaxConsecutiveFailures is how many transport failures in a row the
	// channel absorbs before giving up. Transient failures below this
	// threshold keep the polling loop alive and are never escalated.
	MaxConsecutiveFailures int `env:"SUBSTRATE_D2P_POLL_MAX_FAILURES" envDefault:"10"`
}

// LoadConfigFromEnv returns polling configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{Interval: time.Second, MaxConsecutiveFailures: 10}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	return cfg
}

// Channel observes the secondary session's status by polling the hosted
// status endpoint at a fixed interval.
//
// The loop is a cancellable repeating timer, not a recursive callback: Stop
// tears down the ticker, cancels any in-flight poll, and guarantees that no
// status callback fires after it returns.
type Channel struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	cfg        Config
	tracer     trace.Tracer

	mu       sync.Mutex
	started  bool
	stopped  bool
	terminal bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewChannel builds a status channel scoped to the handoff's auth token.
// The poll carries the same token the responder uses, so both sides observe
// the same backend-held status value.
func NewChannel(baseURL, authToken string, httpClient *http.Client, cfg Config) *Channel {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.StatusPoll}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 10
	}
	return &Channel{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		authToken:  strings.TrimSpace(authToken),
		httpClient: httpClient,
		cfg:        cfg,
		tracer:     otel.Tracer("d2p/status"),
	}
}

// Start begins polling until Stop is called or a terminal status arrives.
// onStatus receives every observed poll; onGiveUp fires at most once, when
// the failure budget is exhausted.
func (c *Channel) Start(onStatus func(Poll), onGiveUp func(error)) error {
	if c == nil {
		return fmt.Errorf("status channel is not configured")
	}
	if onStatus == nil {
		return fmt.Errorf("status callback is required")
	}
	if c.authToken == "" {
		return apperrors.New(apperrors.CodeTokenInvalid, "auth token is required")
	}

	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("status channel already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx, onStatus, onGiveUp)
	return nil
}

func (c *Channel) loop(ctx context.Context, onStatus func(Poll), onGiveUp func(error)) {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		poll, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures < c.cfg.MaxConsecutiveFailures {
				// Transient transport failure: keep polling. Only an
				// exhausted channel escalates to the orchestrator.
				continue
			}
			c.giveUp(onGiveUp, err)
			return
		}
		failures = 0

		if !c.deliver(onStatus, poll) {
			return
		}
		if poll.Status.Terminal() {
			return
		}
	}
}

// deliver invokes onStatus under the stop lock. Holding the lock while the
// callback runs is what makes the Stop guarantee airtight: Stop cannot
// return while a delivery is in flight, and no delivery can begin after
// Stop has marked the channel stopped.
func (c *Channel) deliver(onStatus func(Poll), poll Poll) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.terminal {
		return false
	}
	if poll.Status.Terminal() {
		c.terminal = true
	}
	onStatus(poll)
	return true
}

func (c *Channel) giveUp(onGiveUp func(error), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped || c.terminal {
		return
	}
	c.terminal = true
	if onGiveUp != nil {
		onGiveUp(apperrors.Wrap(apperrors.CodeHandoffExhausted, "status channel exhausted its failure budget", err))
	}
}

// Stop halts polling. It is safe to call from any state, any number of
// times, including after a terminal status was delivered. When Stop returns,
// no further callbacks will fire, even from an in-flight poll.
func (c *Channel) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	alreadyStopped := c.stopped
	c.stopped = true
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if alreadyStopped {
		return
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Channel) fetch(ctx context.Context) (Poll, error) {
	ctx, span := c.tracer.Start(ctx, "status.poll")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusPath, nil)
	if err != nil {
		return Poll{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Poll{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Poll{}, fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	var poll Poll
	if err := json.NewDecoder(resp.Body).Decode(&poll); err != nil {
		return Poll{}, fmt.Errorf("decode status response: %w", err)
	}
	if !poll.Status.Valid() {
		return Poll{}, apperrors.WithMetadata(
			apperrors.CodeHandoffStatusInvalid,
			"backend returned unknown status",
			map[string]string{"status": string(poll.Status)},
		)
	}
	span.SetAttributes(attribute.String("handoff.status", string(poll.Status)))
	return poll, nil
}

// ReportLocalStatus publishes the responder's own transition so the
// initiator's next poll observes it within one interval.
func (c *Channel) ReportLocalStatus(ctx context.Context, report Report) error {
	if c == nil {
		return fmt.Errorf("status channel is not configured")
	}
	if !report.Status.Valid() {
		return apperrors.New(apperrors.CodeHandoffStatusInvalid, "report status is invalid")
	}

	ctx, span := c.tracer.Start(ctx, "status.report",
		trace.WithAttributes(attribute.String("handoff.status", string(report.Status))))
	defer span.End()

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode status report: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+statusPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status report: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status report returned %s", resp.Status)
	}
	return nil
}
