package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource reads an exchangerate-api style document:
//
//	{"base": "USD", "rates": {"EUR": 0.91, "GBP": 0.78}}
type HTTPSource struct {
	url      string
	client   HTTPDoer
	limiter  *rate.Limiter
	timeout  time.Duration
	retryGap time.Duration
}

type HTTPOption func(*HTTPSource)

func WithHTTPClient(c HTTPDoer) HTTPOption {
	return func(s *HTTPSource) { s.client = c }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.timeout = d }
}

// WithRetryDelay sets the pause before the single retry.
func WithRetryDelay(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.retryGap = d }
}

// WithRateLimit caps how often the feed is called.
func WithRateLimit(every time.Duration, burst int) HTTPOption {
	return func(s *HTTPSource) { s.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

func NewHTTPSource(url string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		url:      url,
		client:   &http.Client{},
		limiter:  rate.NewLimiter(rate.Every(time.Second), 2),
		timeout:  10 * time.Second,
		retryGap: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type feedDocument struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// errRetryable marks failures worth a second attempt.
var errRetryable = errors.New("retryable feed failure")

// Latest fetches the feed, retrying once on network errors, 429 and 5xx.
func (s *HTTPSource) Latest(ctx context.Context) (Snapshot, error) {
	snap, err := s.fetch(ctx)
	if err == nil || !errors.Is(err, errRetryable) {
		return snap, err
	}

	timer := time.NewTimer(s.retryGap)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return Snapshot{}, err
	case <-timer.C:
	}
	return s.fetch(ctx)
}

func (s *HTTPSource) fetch(ctx context.Context) (Snapshot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("wait for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", errRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Snapshot{}, fmt.Errorf("%w: feed returned status %d", errRetryable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	var doc feedDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode feed: %w", err)
	}
	if doc.Base == "" || len(doc.Rates) == 0 {
		return Snapshot{}, errors.New("feed document has no base or rates")
	}

	return Snapshot{
		Base:       doc.Base,
		Quotes:     doc.Rates,
		ObservedAt: time.Now().UTC(),
	}, nil
}
