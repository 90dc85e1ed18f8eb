// Package portal is the single funnel for outbound calls to the Factorio
// mod portal. It bounds concurrency, paces dispatches, deduplicates
// identical in-flight requests and retries rate-limit and timeout failures
// with typed backoff.
package portal

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrTimeout marks an attempt that exceeded its time budget, distinct from
// any HTTP status returned by the portal.
var ErrTimeout = errors.New("portal: request timed out")

const (
	// dedupWindow is how long a pending request is shared with duplicate
	// callers, and how old an entry must be before the sweep reaps it.
	dedupWindow = 30 * time.Second
	sweepEvery  = time.Minute
)

// Config tunes the gateway.
type Config struct {
	MaxConcurrent int           // simultaneous in-flight dispatches
	MinSpacing    time.Duration // minimum gap between dispatch start times
	Timeout       time.Duration // per-attempt budget
	MaxRetries    int           // additional attempts after the first

	// Backoff bases for retry n are base * 2^(n-1). Timeouts get a larger
	// base than 429s since they indicate a slower failure mode.
	Backoff429     time.Duration
	BackoffTimeout time.Duration
}

// DefaultConfig returns the settings used against mods.factorio.com.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  2,
		MinSpacing:     500 * time.Millisecond,
		Timeout:        30 * time.Second,
		MaxRetries:     2,
		Backoff429:     1 * time.Second,
		BackoffTimeout: 2 * time.Second,
	}
}

// Request describes an outbound call. Method, URL and Body are also the
// request's dedup identity.
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// Response is a fully captured upstream response, safe to hand to every
// deduplicated caller.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the response carries a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// pending is the shared in-flight result for one request key.
type pending struct {
	done    chan struct{}
	resp    *Response
	err     error
	created time.Time
}

// Gateway serializes access to the mod portal.
type Gateway struct {
	cfg    Config
	client *http.Client
	sem    *semaphore.Weighted
	pace   *rate.Limiter

	mu      sync.Mutex
	pending map[string]*pending

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a gateway and starts its background sweep.
func New(cfg Config) *Gateway {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Backoff429 == 0 {
		cfg.Backoff429 = 1 * time.Second
	}
	if cfg.BackoffTimeout == 0 {
		cfg.BackoffTimeout = 2 * time.Second
	}
	g := &Gateway{
		cfg: cfg,
		client: &http.Client{
			// Per-attempt deadlines come from the request context.
			Timeout: 0,
		},
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		pace:    rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		pending: make(map[string]*pending),
		stop:    make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// Close stops the background sweep. In-flight requests finish normally.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Key derives the dedup identity of a request: method, URL and a digest of
// the body. Structurally identical requests share a key.
func Key(req Request) string {
	sum := sha256.Sum256(req.Body)
	return req.Method + ":" + req.URL + ":" + hex.EncodeToString(sum[:])
}

// Fetch performs the request through the gateway. Concurrent calls with an
// identical method, URL and body share a single upstream dispatch and all
// observe the same result. The returned error is nil for any completed HTTP
// exchange; callers interpret non-2xx statuses themselves.
func (g *Gateway) Fetch(ctx context.Context, req Request) (*Response, error) {
	key := Key(req)

	g.mu.Lock()
	if p, ok := g.pending[key]; ok && time.Since(p.created) < dedupWindow {
		g.mu.Unlock()
		dedupHits.Inc()
		return g.await(ctx, p)
	}
	p := &pending{done: make(chan struct{}), created: time.Now()}
	g.pending[key] = p
	g.mu.Unlock()

	go g.run(key, req, p)

	return g.await(ctx, p)
}

// await blocks until the shared result settles or the caller gives up.
// A caller backing out does not cancel the shared dispatch.
func (g *Gateway) await(ctx context.Context, p *pending) (*Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.resp, p.err
	}
}

// run drives the attempt loop for one key and settles the shared result.
func (g *Gateway) run(key string, req Request, p *pending) {
	defer func() {
		g.mu.Lock()
		if g.pending[key] == p {
			delete(g.pending, key)
		}
		g.mu.Unlock()
		close(p.done)
	}()

	var (
		resp *Response
		err  error
	)

	// Bounded loop carrying attempt state; the retry ceiling is
	// 1 + MaxRetries total attempts.
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			base := g.cfg.Backoff429
			if errors.Is(err, ErrTimeout) {
				base = g.cfg.BackoffTimeout
			}
			delay := base << (attempt - 1)
			retriesTotal.Inc()
			log.Warn().
				Str("url", req.URL).
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("retrying portal request")
			time.Sleep(delay)
		}

		resp, err = g.dispatch(req)
		if err == nil && resp.StatusCode != http.StatusTooManyRequests {
			break
		}
		if err != nil && !errors.Is(err, ErrTimeout) {
			// Network failures other than timeout are not retried.
			break
		}
	}

	p.resp = resp
	p.err = err
}

// dispatch performs one admission-gated, paced, time-bounded attempt.
func (g *Gateway) dispatch(req Request) (*Response, error) {
	if err := g.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	if err := g.pace.Wait(context.Background()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Timeout)
	defer cancel()

	dispatchesTotal.Inc()
	inFlight.Inc()
	defer inFlight.Dec()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("portal: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, g.cfg.Timeout)
		}
		return nil, fmt.Errorf("portal: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, g.cfg.Timeout)
		}
		return nil, fmt.Errorf("portal: read body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// sweepLoop defensively reaps pending entries older than the dedup window
// in case a future never settles.
func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.mu.Lock()
			for key, p := range g.pending {
				if time.Since(p.created) > dedupWindow {
					delete(g.pending, key)
				}
			}
			g.mu.Unlock()
		}
	}
}
