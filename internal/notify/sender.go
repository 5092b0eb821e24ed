package notify

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
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/piwi3910/cseweave/internal/types"
)

// Sender posts notification bodies to HTTP notification targets. Each
// target host gets its own circuit breaker so one unreachable subscriber
// cannot stall deliveries to the others.
type Sender struct {
	client     *http.Client
	maxRetries int
	logger     *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSender creates a sender with the given per-request timeout and retry
// budget.
func NewSender(timeout time.Duration, maxRetries int, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Sender{
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}
}

// IsURL reports whether a notification target is an HTTP endpoint rather
// than a resource identifier.
func IsURL(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}

// Post delivers one notification body to an HTTP target. eventCategory,
// when non-empty, travels in the X-M2M-EC header. A non-2xx answer or an
// exhausted retry budget is TARGET_NOT_REACHABLE.
func (s *Sender) Post(ctx context.Context, target string, body types.JSON, eventCategory string) error {
	endpoint, contentType, err := negotiateTarget(target)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return types.WrapError(types.RSCInternalServerError, "encoding notification failed", err)
	}

	br := s.breaker(endpoint)
	_, err = br.Execute(func() (any, error) {
		var lastErr error
		for attempt := 0; attempt < s.maxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
				}
			}
			lastErr = s.postOnce(ctx, endpoint, contentType, eventCategory, payload)
			if lastErr == nil {
				return nil, nil
			}
			if permanent(lastErr) {
				return nil, lastErr
			}
		}
		return nil, lastErr
	})
	if err != nil {
		return types.WrapError(types.RSCTargetNotReachable,
			fmt.Sprintf("notification target %s unreachable", endpoint), err)
	}
	return nil
}

func (s *Sender) postOnce(ctx context.Context, endpoint, contentType, eventCategory string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-M2M-RI", "not-"+types.Now())
	if eventCategory != "" {
		req.Header.Set("X-M2M-EC", eventCategory)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("notification target answered %d", resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &permanentError{err}
	}
	return err
}

// permanentError marks a failure retries cannot fix, such as a 4xx answer.
type permanentError struct{ error }

func (e *permanentError) Unwrap() error { return e.error }

func permanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// negotiateTarget resolves the serialization for a target. An explicit
// ?ct= query wins; only JSON is carried on this binding, so anything else
// is refused. The ct query never reaches the wire.
func negotiateTarget(target string) (endpoint, contentType string, err error) {
	u, parseErr := url.Parse(target)
	if parseErr != nil {
		return "", "", types.Errorf(types.RSCBadRequest, "notification target %q is not a valid URL", target)
	}
	q := u.Query()
	if ct := q.Get("ct"); ct != "" {
		if ct != "json" {
			return "", "", types.Errorf(types.RSCNotAcceptable, "serialization %q not supported", ct)
		}
		q.Del("ct")
		u.RawQuery = q.Encode()
	}
	return u.String(), "application/json", nil
}

// breaker returns the circuit breaker guarding a target host.
func (s *Sender) breaker(endpoint string) *gobreaker.CircuitBreaker {
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if br, ok := s.breakers[host]; ok {
		return br
	}
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerState.WithLabelValues(name).Set(breakerStateValue(to))
			s.logger.Warn("notification breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	s.breakers[host] = br
	return br
}

func breakerStateValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
