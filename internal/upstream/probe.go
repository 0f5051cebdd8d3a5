// Package upstream tracks the research service's availability. Stream
// binding never waits on the probe; the health state only feeds the
// status endpoint and the view adapters' offline indicator.
package upstream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/paperscope/backend/internal/infrastructure/monitoring"
)

// Health is the probe's view of the research service.
type Health struct {
	Reachable bool      `json:"reachable"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// Probe periodically checks the research service health endpoint.
type Probe struct {
	mu       sync.RWMutex
	health   Health
	url      string
	interval time.Duration
	client   *retryablehttp.Client
	logger   *zap.Logger
	metrics  *monitoring.Metrics
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProbe creates a probe for baseURL+probePath. Retries with backoff
// are handled inside the HTTP client; one Check is one probe attempt.
func NewProbe(baseURL, probePath string, interval time.Duration, retries int, logger *zap.Logger) *Probe {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = nil

	return &Probe{
		url:      strings.TrimRight(baseURL, "/") + probePath,
		interval: interval,
		client:   client,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// WithMetrics adds metrics tracking to the probe.
func (p *Probe) WithMetrics(metrics *monitoring.Metrics) *Probe {
	p.metrics = metrics
	return p
}

// Start begins periodic probing until Stop is called.
func (p *Probe) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	go p.loop(ctx)
}

// Stop halts probing and waits for the loop to exit.
func (p *Probe) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.done
	}
}

// Health returns the last observed state.
func (p *Probe) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// Check performs one probe immediately and records the result.
func (p *Probe) Check(ctx context.Context) Health {
	health := Health{CheckedAt: time.Now()}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		health.Error = err.Error()
	} else if resp, err := p.client.Do(req); err != nil {
		health.Error = err.Error()
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			health.Reachable = true
		} else {
			health.Error = resp.Status
		}
	}

	p.mu.Lock()
	was := p.health.Reachable
	p.health = health
	p.mu.Unlock()

	if p.metrics != nil {
		status := "down"
		if health.Reachable {
			status = "up"
		}
		p.metrics.RecordUpstreamProbe(status)
	}
	if was != health.Reachable {
		p.logger.Info("upstream availability changed",
			zap.Bool("reachable", health.Reachable),
			zap.String("error", health.Error))
	}
	return health
}

func (p *Probe) loop(ctx context.Context) {
	defer close(p.done)

	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
