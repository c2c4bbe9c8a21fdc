package qserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Manager states reported by /api/status.
const (
	StateIdle = "idle"
)

// Exit status of a successfully finished plan.
const ExitCompleted = "completed"

// defaultPollRate is used when the configured rate is not positive.
const defaultPollRate = 2.0

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 512

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Status is the manager status document.
type Status struct {
	ManagerState            string `json:"manager_state"`
	WorkerEnvironmentExists bool   `json:"worker_environment_exists"`
	ItemsInQueue            int    `json:"items_in_queue"`
	ItemsInHistory          int    `json:"items_in_history"`
	RunningItemUID          string `json:"running_item_uid"`
	REState                 string `json:"re_state"`
	Msg                     string `json:"msg"`
}

// PlanResult is the outcome attached to a history item.
type PlanResult struct {
	ExitStatus string   `json:"exit_status"`
	Msg        string   `json:"msg"`
	Traceback  string   `json:"traceback"`
	RunUIDs    []string `json:"run_uids"`
}

// HistoryItem is an executed plan.
type HistoryItem struct {
	ItemUID string     `json:"item_uid"`
	Name    string     `json:"name"`
	Result  PlanResult `json:"result"`
}

// Client talks to the run-engine manager REST API.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	pollRate float64
	logger   Logger
}

// New creates a client for the configured manager.
func New(cfg config.QueueServerConfig, logger Logger) *Client {
	if logger == nil {
		logger = noopLogger{}
	}
	pollRate := cfg.StatusPollRate
	if pollRate <= 0 {
		pollRate = defaultPollRate
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		pollRate: pollRate,
		logger:   logger,
	}
}

// response carries the success flag common to manager replies.
type response struct {
	Success *bool  `json:"success"`
	Msg     string `json:"msg"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	if r.Success != nil && !*r.Success {
		return fmt.Errorf("%w: %s %s: %s", ErrRequestFailed, method, path, r.Msg)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return nil
}

// Status returns the current manager status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EnvironmentOpen asks the manager to open the worker environment.
func (c *Client) EnvironmentOpen(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/environment/open", struct{}{}, nil)
}

// EnsureEnvironment opens the worker environment if it does not exist,
// waits up to timeout for the manager to settle, and confirms it exists.
func (c *Client) EnsureEnvironment(ctx context.Context, timeout time.Duration) error {
	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentUnavailable, err)
	}
	if status.WorkerEnvironmentExists {
		return nil
	}

	c.logger.Info("opening worker environment")
	if err := c.EnvironmentOpen(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentUnavailable, err)
	}
	if err := c.WaitForIdle(ctx, timeout); err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentUnavailable, err)
	}

	status, err = c.Status(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEnvironmentUnavailable, err)
	}
	if !status.WorkerEnvironmentExists {
		return fmt.Errorf("%w: manager reports no environment after open", ErrEnvironmentUnavailable)
	}
	return nil
}

// ExecuteItem submits plan for immediate execution and returns its item uid.
func (c *Client) ExecuteItem(ctx context.Context, plan Plan) (string, error) {
	type item struct {
		Plan
		ItemType string `json:"item_type"`
	}
	req := struct {
		Item item `json:"item"`
	}{Item: item{Plan: plan, ItemType: "plan"}}

	var resp struct {
		Item struct {
			ItemUID string `json:"item_uid"`
		} `json:"item"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/queue/item/execute", req, &resp); err != nil {
		return "", err
	}
	if resp.Item.ItemUID == "" {
		return "", fmt.Errorf("%w: execute response has no item uid", ErrRequestFailed)
	}

	c.logger.Debug("plan submitted", "plan", plan.Name, "item_uid", resp.Item.ItemUID)
	return resp.Item.ItemUID, nil
}

// History returns the plan history, oldest first.
func (c *Client) History(ctx context.Context) ([]HistoryItem, error) {
	var resp struct {
		Items []HistoryItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/history/get", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// LastHistoryItem returns the most recently finished item.
func (c *Client) LastHistoryItem(ctx context.Context) (*HistoryItem, error) {
	items, err := c.History(ctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrHistoryEmpty
	}
	return &items[len(items)-1], nil
}

// CheckPlanResult verifies that the last history item is uid and that it
// completed. desc names the plan in errors.
func (c *Client) CheckPlanResult(ctx context.Context, uid, desc string) (*HistoryItem, error) {
	item, err := c.LastHistoryItem(ctx)
	if err != nil {
		return nil, err
	}
	if item.ItemUID != uid {
		return nil, fmt.Errorf("%w: %s: submitted %s, history has %s", ErrItemMismatch, desc, uid, item.ItemUID)
	}
	if item.Result.ExitStatus != ExitCompleted {
		return nil, &PlanError{
			ItemUID:     uid,
			Description: desc,
			ExitStatus:  item.Result.ExitStatus,
			Msg:         item.Result.Msg,
			Traceback:   item.Result.Traceback,
		}
	}
	return item, nil
}

// WaitForIdle polls status until the manager is idle or timeout elapses.
// Status errors while waiting are logged and polling continues.
func (c *Client) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lim := rate.NewLimiter(rate.Limit(c.pollRate), 1)
	for {
		if err := lim.Wait(waitCtx); err != nil {
			return c.waitErr(ctx, timeout)
		}

		status, err := c.Status(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return c.waitErr(ctx, timeout)
			}
			c.logger.Warn("status poll failed while waiting for idle", "error", err)
			continue
		}
		if status.ManagerState == StateIdle {
			return nil
		}
	}
}

// waitErr distinguishes caller cancellation from the wait deadline.
func (c *Client) waitErr(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
}

// BackoffPolicy bounds repeated idle waits.
type BackoffPolicy struct {
	// Initial is the pause after the first timed-out attempt; it doubles up to Max.
	Initial time.Duration
	Max     time.Duration

	// MaxAttempts caps the number of WaitForIdle calls. Zero means one attempt.
	MaxAttempts int

	// MaxWait caps the total elapsed time. Zero means no cap.
	MaxWait time.Duration
}

// WaitForIdleRetry repeats WaitForIdle while it times out, pausing with
// exponential backoff between attempts. Errors other than ErrWaitTimeout
// are returned immediately.
func (c *Client) WaitForIdleRetry(ctx context.Context, perAttempt time.Duration, policy BackoffPolicy) error {
	attempts := max(policy.MaxAttempts, 1)
	pause := policy.Initial
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := c.WaitForIdle(ctx, perAttempt)
		if err == nil || !errors.Is(err, ErrWaitTimeout) {
			return err
		}

		elapsed := time.Since(start)
		if attempt >= attempts || (policy.MaxWait > 0 && elapsed+pause >= policy.MaxWait) {
			return fmt.Errorf("%w: manager still busy after %d attempts (%s)", ErrWaitTimeout, attempt, elapsed.Round(time.Millisecond))
		}

		c.logger.Info("manager busy, retrying idle wait", "attempt", attempt, "backoff", pause)

		if pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		pause *= 2
		if policy.Max > 0 && pause > policy.Max {
			pause = policy.Max
		}
	}
}
