package onprem

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/straddle/pkg/credentials"
)

// ClientOptions tunes the Proxmox API client.
type ClientOptions struct {
	// RetryMax bounds retries of a single request on 5xx and connection errors.
	RetryMax int

	// RetryWaitMin and RetryWaitMax bound the wait between request retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// TaskPollInterval is the interval between task status polls.
	TaskPollInterval time.Duration

	// TaskTimeout bounds waiting for an asynchronous task.
	TaskTimeout time.Duration
}

// DefaultClientOptions returns the options used when none are configured.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RetryMax:         4,
		RetryWaitMin:     500 * time.Millisecond,
		RetryWaitMax:     10 * time.Second,
		TaskPollInterval: 2 * time.Second,
		TaskTimeout:      10 * time.Minute,
	}
}

// Client talks to the Proxmox VE REST API with an API token.
type Client struct {
	baseURL string
	token   credentials.Secret
	http    *retryablehttp.Client
	opts    ClientOptions
	logger  zerolog.Logger
}

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// NotFound reports whether the response says the resource does not exist.
// Proxmox answers 500 with a "does not exist" reason for missing guests.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || strings.Contains(e.Message, "does not exist")
}

// AlreadyExists reports whether the request collided with an existing guest.
func (e *APIError) AlreadyExists() bool {
	return strings.Contains(e.Message, "already exists")
}

// TaskError is an asynchronous task that finished unsuccessfully.
type TaskError struct {
	UPID       string
	ExitStatus string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.UPID, e.ExitStatus)
}

// NewClient creates a client for the API at cred.Endpoint, e.g.
// https://pve.example.com:8006. The credential's KeyID is the token id
// (user@realm!name) and its Secret the token value.
func NewClient(cred *credentials.Credential, opts ClientOptions, logger zerolog.Logger) (*Client, error) {
	if cred == nil || cred.Endpoint == "" {
		return nil, errors.New("proxmox credential requires an endpoint")
	}
	if !cred.HasAPIKey() {
		return nil, errors.New("proxmox credential requires a token id and secret")
	}

	defaults := DefaultClientOptions()
	if opts.RetryMax <= 0 {
		opts.RetryMax = defaults.RetryMax
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = defaults.RetryWaitMin
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = max(defaults.RetryWaitMax, opts.RetryWaitMin)
	}
	if opts.TaskPollInterval <= 0 {
		opts.TaskPollInterval = defaults.TaskPollInterval
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaults.TaskTimeout
	}

	transport := cleanhttp.DefaultPooledTransport()
	if cred.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed hypervisors
	}

	logger = logger.With().Str("component", "proxmox").Str("endpoint", cred.Endpoint).Logger()

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: transport}
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = opts.RetryWaitMin
	rc.RetryWaitMax = opts.RetryWaitMax
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger: logger}

	return &Client{
		baseURL: strings.TrimRight(cred.Endpoint, "/") + "/api2/json",
		token:   credentials.Secret("PVEAPIToken=" + cred.KeyID + "=" + cred.Secret.Reveal()),
		http:    rc,
		opts:    opts,
		logger:  logger,
	}, nil
}

// checkRetry retries like the default policy, except for answers that will
// not change on retry: a missing guest and a vmid collision.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode >= 500 {
		msg := responseMessage(resp)
		if strings.Contains(msg, "does not exist") || strings.Contains(msg, "already exists") {
			return false, nil
		}
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// responseMessage extracts the error reason without consuming the body.
func responseMessage(resp *http.Response) string {
	msg := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	if resp.Body == nil {
		return msg
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return msg
	}

	var envelope struct {
		Message string                 `json:"message"`
		Errors  map[string]interface{} `json:"errors"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Message != "" && envelope.Message != msg {
			msg = strings.TrimSpace(msg + " " + envelope.Message)
		}
		for field, reason := range envelope.Errors {
			msg += fmt.Sprintf(" %s: %v", field, reason)
		}
	}
	return msg
}

// do performs a request and decodes the data member of the response into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	target := c.baseURL + path
	if form != nil {
		if method == http.MethodGet || method == http.MethodDelete {
			target += "?" + form.Encode()
		} else {
			body = strings.NewReader(form.Encode())
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", c.token.Reveal())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: responseMessage(resp)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// Container is an entry of the container list.
type Container struct {
	VMID   json.Number `json:"vmid"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
	Tags   string      `json:"tags"`
}

// ContainerConfig is the subset of a container's configuration the adapter reads.
type ContainerConfig struct {
	Hostname string      `json:"hostname"`
	Net0     string      `json:"net0"`
	Tags     string      `json:"tags"`
	Cores    json.Number `json:"cores"`
	Memory   json.Number `json:"memory"`
	RootFS   string      `json:"rootfs"`
}

// ContainerStatus is the runtime status of a container.
type ContainerStatus struct {
	VMID   json.Number `json:"vmid"`
	Name   string      `json:"name"`
	Status string      `json:"status"`
}

// TaskStatus is the state of an asynchronous task.
type TaskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

// ListContainers returns the containers on a node.
func (c *Client) ListContainers(ctx context.Context, node string) ([]Container, error) {
	var out []Container
	err := c.do(ctx, http.MethodGet, "/nodes/"+url.PathEscape(node)+"/lxc", nil, &out)
	return out, err
}

// NextID returns a free guest id.
func (c *Client) NextID(ctx context.Context) (int, error) {
	var out json.Number
	if err := c.do(ctx, http.MethodGet, "/cluster/nextid", nil, &out); err != nil {
		return 0, err
	}
	id, err := out.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid next id %q: %w", out, err)
	}
	return int(id), nil
}

// CreateContainer starts the creation task and returns its UPID.
func (c *Client) CreateContainer(ctx context.Context, node string, params url.Values) (string, error) {
	var upid string
	err := c.do(ctx, http.MethodPost, "/nodes/"+url.PathEscape(node)+"/lxc", params, &upid)
	return upid, err
}

// ContainerStatus returns the runtime status of a container.
func (c *Client) ContainerStatus(ctx context.Context, node string, vmid int) (*ContainerStatus, error) {
	var out ContainerStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/lxc/%d/status/current", url.PathEscape(node), vmid), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ContainerConfig returns the configuration of a container.
func (c *Client) ContainerConfig(ctx context.Context, node string, vmid int) (*ContainerConfig, error) {
	var out ContainerConfig
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/lxc/%d/config", url.PathEscape(node), vmid), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StartContainer starts a container and returns the task UPID.
func (c *Client) StartContainer(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/lxc/%d/status/start", url.PathEscape(node), vmid), url.Values{}, &upid)
	return upid, err
}

// StopContainer stops a container immediately and returns the task UPID.
func (c *Client) StopContainer(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/lxc/%d/status/stop", url.PathEscape(node), vmid), url.Values{}, &upid)
	return upid, err
}

// DeleteContainer removes a stopped container with its disks and returns the task UPID.
func (c *Client) DeleteContainer(ctx context.Context, node string, vmid int) (string, error) {
	var upid string
	params := url.Values{"purge": {"1"}, "destroy-unreferenced-disks": {"1"}}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/nodes/%s/lxc/%d", url.PathEscape(node), vmid), params, &upid)
	return upid, err
}

// TaskStatus returns the state of a task.
func (c *Client) TaskStatus(ctx context.Context, node, upid string) (*TaskStatus, error) {
	var out TaskStatus
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid)), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var errTaskRunning = errors.New("task still running")

// WaitTask polls a task until it stops. A task that stops with an exit
// status other than OK yields a TaskError.
func (c *Client) WaitTask(ctx context.Context, node, upid string) error {
	if upid == "" {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		status, err := c.TaskStatus(ctx, node, upid)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if status.Status != "stopped" {
			return struct{}{}, errTaskRunning
		}
		if status.ExitStatus != "OK" {
			return struct{}{}, backoff.Permanent(&TaskError{UPID: upid, ExitStatus: status.ExitStatus})
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.TaskPollInterval)),
		backoff.WithMaxElapsedTime(c.opts.TaskTimeout),
	)
	if errors.Is(err, errTaskRunning) {
		return fmt.Errorf("task %s did not finish within %v: %w", upid, c.opts.TaskTimeout, context.DeadlineExceeded)
	}
	return err
}

// leveledLogger routes retryablehttp logs to zerolog.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Trace().Fields(keysAndValues).Msg(msg)
}

var _ retryablehttp.LeveledLogger = leveledLogger{}
