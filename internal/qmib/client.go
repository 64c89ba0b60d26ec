// Package qmib wraps the QMIB gateway HTTP endpoints behind a resilient
// client. All calls classify their outcome into a closed set of error
// variants: transient failures are retried with exponential backoff and
// jitter, permanent failures surface immediately, and a per-endpoint circuit
// breaker fails fast while the gateway is unhealthy.
package qmib

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/apexmfg/qmib-bridge/internal/app/domain/batch"
	"github.com/apexmfg/qmib-bridge/internal/app/metrics"
	"github.com/apexmfg/qmib-bridge/pkg/logger"
)

var (
	// ErrTransient marks network failures and 5xx-class responses. Retried
	// up to policy limits, then surfaced.
	ErrTransient = errors.New("transient gateway failure")

	// ErrPermanent marks 4xx-class responses. Never retried.
	ErrPermanent = errors.New("permanent gateway failure")

	// ErrNotFound indicates the requested remote entity does not exist.
	ErrNotFound = errors.New("not found in gateway")

	// ErrUnauthorized indicates the gateway rejected the configured
	// credentials.
	ErrUnauthorized = errors.New("gateway authentication failed")
)

// GatewayError carries the operation and HTTP status of a failed call. The
// wrapped error chains to one of the classification sentinels above.
type GatewayError struct {
	Op     string
	Status int
	Err    error
}

func (e *GatewayError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("qmib %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("qmib %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PublishResult is the gateway's response to a batch publish.
type PublishResult struct {
	RemoteID string `json:"remoteId"`
	Status   string `json:"status"`
}

// AckResult is the gateway's response to an event acknowledgement.
type AckResult struct {
	Status string `json:"status"`
}

// Config holds the resolved connection and resilience parameters for the
// gateway. It is passed in at construction and never read from ambient
// process state.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	VerifyTLS      bool
	RequestTimeout time.Duration
	Retry          RetryConfig
	Breaker        BreakerConfig

	// RequestsPerSecond throttles outbound calls; zero means unlimited.
	RequestsPerSecond float64

	// HTTPClient overrides the transport, primarily for tests.
	HTTPClient *http.Client
}

// Client is a resilient QMIB gateway client.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	timeout  time.Duration
	retry    RetryConfig
	limiter  *rate.Limiter
	log      *logger.Logger

	mu         sync.Mutex
	breakers   map[string]*breaker
	breakerCfg BreakerConfig
}

// New creates a gateway client from resolved configuration.
func New(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("qmib: base URL is required")
	}
	if log == nil {
		log = logger.NewDefault("qmib")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Retry.BackoffBase <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		if !cfg.VerifyTLS {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Transport: transport}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		http:       httpClient,
		timeout:    cfg.RequestTimeout,
		retry:      cfg.Retry,
		limiter:    limiter,
		log:        log,
		breakers:   make(map[string]*breaker),
		breakerCfg: cfg.Breaker,
	}, nil
}

// Wire payloads ---------------------------------------------------------------

type templatePayload struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Steps       []stepPayload          `json:"steps"`
	Equipment   []equipmentPayload     `json:"equipmentRefs"`
	DefaultData map[string]interface{} `json:"defaultData"`
}

type stepPayload struct {
	Seq        int               `json:"seq"`
	Name       string            `json:"name"`
	Parameters map[string]string `json:"parameters"`
}

type equipmentPayload struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

type equipmentStatePayload struct {
	EquipmentID string            `json:"equipmentId"`
	Status      string            `json:"status"`
	MeasuredAt  time.Time         `json:"measuredAt"`
	Attributes  map[string]string `json:"attributes"`
}

type eventAckPayload struct {
	EventID string    `json:"eventId"`
	BatchID string    `json:"batchId,omitempty"`
	AckedBy string    `json:"acknowledgedBy"`
	Comment string    `json:"comment,omitempty"`
	AckedAt time.Time `json:"acknowledgedAt"`
}

// Operations ------------------------------------------------------------------

// FetchTemplate retrieves a batch template definition.
func (c *Client) FetchTemplate(ctx context.Context, templateID string) (batch.Template, error) {
	var payload templatePayload
	if err := c.do(ctx, "fetch_template", http.MethodGet, "/templates/"+templateID, nil, nil, &payload); err != nil {
		return batch.Template{}, err
	}

	tmpl := batch.Template{
		ID:          payload.ID,
		Name:        payload.Name,
		DefaultData: payload.DefaultData,
	}
	for _, s := range payload.Steps {
		tmpl.Steps = append(tmpl.Steps, batch.Step{Seq: s.Seq, Name: s.Name, Parameters: s.Parameters})
	}
	for _, e := range payload.Equipment {
		tmpl.Equipment = append(tmpl.Equipment, batch.EquipmentRef{ID: e.ID, Name: e.Name, Capabilities: e.Capabilities})
	}
	return tmpl, nil
}

// FetchEquipment retrieves equipment reference data.
func (c *Client) FetchEquipment(ctx context.Context, equipmentID string) (batch.EquipmentRef, error) {
	var payload equipmentPayload
	if err := c.do(ctx, "fetch_equipment", http.MethodGet, "/equipment/"+equipmentID, nil, nil, &payload); err != nil {
		return batch.EquipmentRef{}, err
	}
	return batch.EquipmentRef{ID: payload.ID, Name: payload.Name, Capabilities: payload.Capabilities}, nil
}

// FetchEquipmentState retrieves a live equipment status snapshot.
func (c *Client) FetchEquipmentState(ctx context.Context, equipmentID string) (batch.EquipmentState, error) {
	var payload equipmentStatePayload
	if err := c.do(ctx, "fetch_equipment_state", http.MethodGet, "/equipment/"+equipmentID+"/state", nil, nil, &payload); err != nil {
		return batch.EquipmentState{}, err
	}
	return batch.EquipmentState{
		EquipmentID: payload.EquipmentID,
		Status:      payload.Status,
		MeasuredAt:  payload.MeasuredAt,
		Attributes:  payload.Attributes,
	}, nil
}

// PublishBatch sends a batch execution payload for archival. The caller's
// idempotency key is forwarded on every attempt so the gateway recognizes
// repeated publishes of the same record; the client never fabricates keys.
func (c *Client) PublishBatch(ctx context.Context, idempotencyKey string, payload map[string]interface{}) (PublishResult, error) {
	if idempotencyKey == "" {
		return PublishResult{}, &GatewayError{Op: "publish_batch", Err: fmt.Errorf("idempotency key is required: %w", ErrPermanent)}
	}
	headers := map[string]string{"Idempotency-Key": idempotencyKey}

	var result PublishResult
	if err := c.do(ctx, "publish_batch", http.MethodPost, "/batches", headers, payload, &result); err != nil {
		return PublishResult{}, err
	}
	if result.RemoteID == "" {
		return PublishResult{}, &GatewayError{Op: "publish_batch", Err: fmt.Errorf("gateway returned no remote id: %w", ErrPermanent)}
	}
	return result, nil
}

// AcknowledgeEvent confirms processing of an inbound gateway event or alarm.
func (c *Client) AcknowledgeEvent(ctx context.Context, eventID string, ack batch.EventAck) (AckResult, error) {
	body := eventAckPayload{
		EventID: eventID,
		BatchID: ack.BatchID,
		AckedBy: ack.AckedBy,
		Comment: ack.Comment,
		AckedAt: ack.AckedAt,
	}
	if body.AckedAt.IsZero() {
		body.AckedAt = time.Now().UTC()
	}

	var result AckResult
	if err := c.do(ctx, "acknowledge_event", http.MethodPost, "/events/"+eventID+"/acknowledge", nil, body, &result); err != nil {
		return AckResult{}, err
	}
	return result, nil
}

// Transport -------------------------------------------------------------------

func (c *Client) breakerFor(op string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	br, ok := c.breakers[op]
	if !ok {
		br = newBreaker(c.breakerCfg)
		br.onChange = func(from, to breakerState) {
			c.log.WithField("endpoint", op).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("circuit breaker state changed")
			metrics.SetBreakerState(op, int(to))
		}
		c.breakers[op] = br
	}
	return br
}

// do executes a classified request against the gateway. Transient outcomes
// are retried with backoff until the attempt or elapsed-time budget runs out.
func (c *Client) do(ctx context.Context, op, method, path string, headers map[string]string, body, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	br := c.breakerFor(op)
	if err := br.allow(); err != nil {
		metrics.ObserveGatewayRequest(op, "circuit_open")
		return &GatewayError{Op: op, Err: err}
	}

	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return &GatewayError{Op: op, Err: fmt.Errorf("encode request: %v: %w", err, ErrPermanent)}
		}
	}

	started := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.retry.MaxElapsed > 0 && time.Since(started) >= c.retry.MaxElapsed {
				break
			}
			metrics.ObserveGatewayRetry(op)
			if err := c.retry.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		status, retryable, err := c.attempt(ctx, op, method, path, headers, encoded, out)
		if err == nil {
			br.recordSuccess()
			metrics.ObserveGatewayRequest(op, "success")
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller cancellation is not a gateway verdict.
			return err
		}
		lastErr = err
		if retryable {
			c.log.WithError(err).
				WithField("endpoint", op).
				WithField("attempt", attempt+1).
				Warn("transient gateway failure")
			continue
		}

		// Definitive response from the gateway: reset the consecutive
		// failure count even though this call failed.
		br.recordSuccess()
		metrics.ObserveGatewayRequest(op, outcomeFor(status))
		return err
	}

	br.recordFailure()
	metrics.ObserveGatewayRequest(op, "transient")
	return lastErr
}

// attempt performs a single HTTP exchange. retryable reports whether the
// failure was transient.
func (c *Client) attempt(ctx context.Context, op, method, path string, headers map[string]string, body []byte, out interface{}) (status int, retryable bool, err error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, false, &GatewayError{Op: op, Err: fmt.Errorf("%v: %w", err, ErrPermanent)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		return 0, true, &GatewayError{Op: op, Err: fmt.Errorf("%v: %w", err, ErrTransient)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
				return resp.StatusCode, false, &GatewayError{Op: op, Status: resp.StatusCode,
					Err: fmt.Errorf("decode response: %v: %w", err, ErrPermanent)}
			}
		}
		return resp.StatusCode, false, nil

	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, false, &GatewayError{Op: op, Status: resp.StatusCode, Err: ErrNotFound}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp.StatusCode, false, &GatewayError{Op: op, Status: resp.StatusCode,
			Err: fmt.Errorf("%w: %w", ErrUnauthorized, ErrPermanent)}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, true, &GatewayError{Op: op, Status: resp.StatusCode, Err: ErrTransient}

	default:
		return resp.StatusCode, false, &GatewayError{Op: op, Status: resp.StatusCode, Err: ErrPermanent}
	}
}

func outcomeFor(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "unauthorized"
	default:
		return "permanent"
	}
}
