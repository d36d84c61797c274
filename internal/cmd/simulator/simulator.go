// Package simulator drives a full desktop-to-phone handoff against a
// running hosted server: it opens a session, runs an initiator and a
// responder side by side, and relays the SMS code typed by the operator.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/substrate-id/d2p/internal/d2p"
	"github.com/substrate-id/d2p/internal/d2p/orchestrator"
	"github.com/substrate-id/d2p/internal/d2p/session"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
	"github.com/substrate-id/d2p/internal/platform/timeouts"
)

const (
	defaultBaseURL = "http://localhost:8095"
	defaultPhone   = "+15550100"

	// smsCodeAttempts bounds operator typos before the run is abandoned.
	smsCodeAttempts = 3

	challengeReadyRetries = 20
	challengeReadyWait    = 100 * time.Millisecond
)

// Config holds the simulator command configuration.
type Config struct {
	BaseURL   string
	Phone     string
	TenantKey string

	// Input supplies the operator's SMS code; defaults to stdin.
	Input io.Reader
	// Output receives progress lines; defaults to stdout.
	Output io.Writer
}

// EnvLookup returns the value for a key when present.
type EnvLookup func(string) (string, bool)

// ParseConfig parses flags into a Config, with environment fallbacks.
func ParseConfig(fs *flag.FlagSet, args []string, lookup EnvLookup) (Config, error) {
	cfg := Config{
		BaseURL:   envOrDefault(lookup, "SUBSTRATE_D2P_BASE_URL", defaultBaseURL),
		Phone:     envOrDefault(lookup, "SUBSTRATE_D2P_SIM_PHONE", defaultPhone),
		TenantKey: envOrDefault(lookup, "SUBSTRATE_D2P_TENANT_KEY", ""),
	}

	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Hosted server base URL")
	fs.StringVar(&cfg.Phone, "phone", cfg.Phone, "Responder phone number for the SMS challenge")
	fs.StringVar(&cfg.TenantKey, "tenant-key", cfg.TenantKey, "Tenant key sent with hosted requests")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

type startSessionResponse struct {
	SessionID   string `json:"sessionId"`
	ScopedToken string `json:"scopedToken"`
}

// Run performs one handoff end to end and reports both terminal outcomes.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Input == nil {
		return errors.New("input reader is required")
	}
	if cfg.Output == nil {
		return errors.New("output writer is required")
	}

	started, err := startSession(ctx, cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("start hosted session: %w", err)
	}
	fmt.Fprintf(cfg.Output, "session %s opened\n", started.SessionID)
	fmt.Fprintf(cfg.Output, "handoff link: %s/hosted/onboarding/d2p?session=%s\n", strings.TrimRight(cfg.BaseURL, "/"), started.SessionID)

	initiatorSession, err := session.New(session.RoleInitiator, started.ScopedToken, cfg.TenantKey, session.DeviceCapabilities{
		Platform: session.PlatformDesktop,
	})
	if err != nil {
		return fmt.Errorf("build initiator session: %w", err)
	}
	responderSession, err := session.New(session.RoleResponder, started.ScopedToken, cfg.TenantKey, session.DeviceCapabilities{
		Platform: session.PlatformMobile,
	})
	if err != nil {
		return fmt.Errorf("build responder session: %w", err)
	}

	initiatorDone := make(chan orchestrator.Result, 1)
	responderDone := make(chan orchestrator.Result, 1)

	initiator := d2p.Start(initiatorSession, d2p.Options{
		BaseURL: cfg.BaseURL,
		OnDone:  func(r orchestrator.Result) { initiatorDone <- r },
	})
	defer initiator.Dispose()

	responder := d2p.Start(responderSession, d2p.Options{
		BaseURL:     cfg.BaseURL,
		PhoneNumber: cfg.Phone,
		OnDone:      func(r orchestrator.Result) { responderDone <- r },
	})
	defer responder.Dispose()

	if err := submitSMSCode(ctx, cfg, responder); err != nil {
		initiator.Cancel()
		responder.Cancel()
		return err
	}

	initiatorResult, responderResult, err := awaitResults(ctx, initiatorDone, responderDone)
	if err != nil {
		return err
	}

	fmt.Fprintf(cfg.Output, "responder finished: %s\n", responderResult.State)
	fmt.Fprintf(cfg.Output, "initiator finished: %s\n", initiatorResult.State)
	if initiatorResult.State == orchestrator.StateCompleted {
		fmt.Fprintf(cfg.Output, "validation token relayed: %s\n", initiatorResult.ValidationToken)
		return nil
	}
	return fmt.Errorf("handoff did not complete: initiator ended in %s", initiatorResult.State)
}

// submitSMSCode prompts the operator for the code printed in the hosted
// server's log and feeds it to the responder, re-prompting on typos.
func submitSMSCode(ctx context.Context, cfg Config, responder *d2p.Handle) error {
	scanner := bufio.NewScanner(cfg.Input)
	for attempt := 0; attempt < smsCodeAttempts; attempt++ {
		fmt.Fprint(cfg.Output, "enter sms code (see hosted server log): ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read sms code: %w", err)
			}
			return errors.New("input closed before an sms code was entered")
		}
		code := strings.TrimSpace(scanner.Text())
		if code == "" {
			continue
		}

		err := submitOnce(ctx, responder, code)
		if err == nil {
			return nil
		}
		if apperrors.GetCode(err) == apperrors.CodeChallengeCodeInvalid {
			fmt.Fprintln(cfg.Output, "code rejected, try again")
			continue
		}
		return fmt.Errorf("submit sms code: %w", err)
	}
	return errors.New("too many rejected sms codes")
}

// submitOnce delivers one code, waiting out the window where the sms
// challenge request is still in flight.
func submitOnce(ctx context.Context, responder *d2p.Handle, code string) error {
	var err error
	for i := 0; i < challengeReadyRetries; i++ {
		err = responder.SubmitSMSCode(ctx, code)
		if apperrors.GetCode(err) != apperrors.CodeChallengeTokenRequired {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(challengeReadyWait):
		}
	}
	return err
}

func awaitResults(ctx context.Context, initiatorDone, responderDone <-chan orchestrator.Result) (orchestrator.Result, orchestrator.Result, error) {
	var initiatorResult, responderResult orchestrator.Result
	for gotInitiator, gotResponder := false, false; !gotInitiator || !gotResponder; {
		select {
		case initiatorResult = <-initiatorDone:
			gotInitiator = true
		case responderResult = <-responderDone:
			gotResponder = true
		case <-ctx.Done():
			return orchestrator.Result{}, orchestrator.Result{}, ctx.Err()
		}
	}
	return initiatorResult, responderResult, nil
}

func startSession(ctx context.Context, baseURL string) (startSessionResponse, error) {
	url := strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/hosted/onboarding/d2p"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return startSessionResponse{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: timeouts.HTTPRequest}
	resp, err := client.Do(req)
	if err != nil {
		return startSessionResponse{}, fmt.Errorf("post session start: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return startSessionResponse{}, fmt.Errorf("session start returned status %d", resp.StatusCode)
	}
	var started startSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		return startSessionResponse{}, fmt.Errorf("decode session start response: %w", err)
	}
	if started.SessionID == "" || started.ScopedToken == "" {
		return startSessionResponse{}, errors.New("session start response is missing fields")
	}
	return started, nil
}

func envOrDefault(lookup EnvLookup, key, fallback string) string {
	if lookup == nil {
		return fallback
	}
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
