package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/common/config"
	"golang.org/x/sync/semaphore"

	"github.com/all-smi/all-smi-go/pkg/parser"
	"github.com/all-smi/all-smi-go/pkg/types"
)

// defaultMaxConcurrentScrapes is the outgoing scrape concurrency bound
// (§4.7, §5); overridable via ALL_SMI_MAX_CONNECTIONS.
const defaultMaxConcurrentScrapes = 64

// maxIdleConnsPerHost mirrors the teacher's shared-pool client idiom in
// redfish.go, sized per §4.7's "200 idle per host" default.
const maxIdleConnsPerHost = 200

const (
	scrapeMaxAttempts     = 3
	scrapeTotalTimeout    = 5 * time.Second
	staggerThreshold      = 100
	staggerWindow         = 500 * time.Millisecond
	backoffBase           = 50 * time.Millisecond
)

// backoffSchedule is the fixed exponential backoff ladder from §4.7: 50ms,
// 100ms, 150ms, each with added jitter.
var backoffSchedule = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 150 * time.Millisecond}

// RemoteStrategy scrapes GET /metrics from a fixed set of host URLs,
// bounded by a semaphore, grounded on the teacher's shared-client idiom in
// redfish.go and pkg/tsdb.
type RemoteStrategy struct {
	logger    *slog.Logger
	client    *http.Client
	authToken string
}

// NewRemoteStrategy builds a RemoteStrategy. authToken, when non-empty, is
// sent as a Bearer token on every scrape (§4.8).
func NewRemoteStrategy(logger *slog.Logger, authToken string) (*RemoteStrategy, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := config.DefaultHTTPClientConfig

	httpClient, err := config.NewClientFromConfig(clientCfg, "all_smi_remote_scrape")
	if err != nil {
		return nil, fmt.Errorf("building remote scrape http client: %w", err)
	}

	if transport, ok := httpClient.Transport.(*http.Transport); ok {
		transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
		transport.IdleConnTimeout = 90 * time.Second
	}

	return &RemoteStrategy{logger: logger, client: httpClient, authToken: authToken}, nil
}

func (s *RemoteStrategy) StrategyName() string { return "remote" }

// Collect implements types.CollectionStrategy: concurrent GET /metrics
// across cfg.Hosts, bounded by cfg.MaxConcurrentScrapes, staggered when the
// host count exceeds 100 (§4.7).
func (s *RemoteStrategy) Collect(ctx context.Context, cfg types.CollectionConfig) (*types.CollectionData, error) {
	maxConcurrent := cfg.MaxConcurrentScrapes
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentScrapes
	}

	sem := semaphore.NewWeighted(int64(maxConcurrent))

	data := &types.CollectionData{Snapshots: make(map[string]*types.HostSnapshot, len(cfg.Hosts))}
	results := make(chan *types.HostSnapshot, len(cfg.Hosts))

	stagger := len(cfg.Hosts) > staggerThreshold

	for i, host := range cfg.Hosts {
		i, host := i, host

		if err := sem.Acquire(ctx, 1); err != nil {
			results <- nil

			continue
		}

		go func() {
			defer sem.Release(1)

			if stagger {
				delay := time.Duration(i/staggerThreshold) * staggerWindow

				select {
				case <-time.After(delay):
				case <-ctx.Done():
					results <- nil

					return
				}
			}

			results <- s.scrapeOne(ctx, host)
		}()
	}

	for range cfg.Hosts {
		snap := <-results
		if snap == nil {
			continue
		}

		data.Snapshots[snap.HostID] = snap
	}

	return data, nil
}

// scrapeOne performs one host's GET /metrics with retry/backoff, returning
// a HostSnapshot whose FetchStatus reflects the outcome (§7 RemoteFetch).
func (s *RemoteStrategy) scrapeOne(ctx context.Context, rawURL string) *types.HostSnapshot {
	target, err := ValidateRemoteURL(rawURL)
	if err != nil {
		s.logger.Warn("rejecting remote host by SSRF guard", "host", rawURL, "err", err)

		return &types.HostSnapshot{HostID: rawURL, FetchStatus: types.FetchErrWithReason, StatusReason: err.Error()}
	}

	metricsURL := strings.TrimRight(target.String(), "/") + "/metrics"

	reqCtx, cancel := context.WithTimeout(ctx, scrapeTotalTimeout)
	defer cancel()

	var lastErr error

attempts:
	for attempt := 0; attempt < scrapeMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffSchedule[attempt-1] + time.Duration(rand.Int63n(int64(backoffBase)))

			select {
			case <-time.After(wait):
			case <-reqCtx.Done():
				lastErr = reqCtx.Err()

				break attempts
			}
		}

		snap, fatal, err := s.doScrape(reqCtx, rawURL, metricsURL)
		if err == nil {
			return snap
		}

		lastErr = err

		if fatal {
			break
		}
	}

	s.logger.Debug("remote scrape failed", "host", rawURL, "err", lastErr)

	return &types.HostSnapshot{
		HostID:       rawURL,
		FetchStatus:  types.FetchErrWithReason,
		StatusReason: lastErr.Error(),
		LastUpdated:  time.Now(),
	}
}

// doScrape issues one HTTP attempt. fatal=true means retrying would not
// help (401/403, §4.7 "fail fast").
func (s *RemoteStrategy) doScrape(ctx context.Context, hostID, metricsURL string) (*types.HostSnapshot, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metricsURL, nil)
	if err != nil {
		return nil, true, err
	}

	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, true, fmt.Errorf("scrape %s: status %d", metricsURL, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("scrape %s: status %d", metricsURL, resp.StatusCode)
	}

	families, truncated, err := parser.ParsePrometheusText(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("parsing %s: %w", metricsURL, err)
	}

	if truncated {
		s.logger.Debug("remote scrape body truncated", "host", hostID, "url", metricsURL)
	}

	snap := parser.BuildHostSnapshot(hostID, families)
	snap.FetchStatus = types.FetchOk
	snap.LastUpdated = time.Now()

	return snap, false, nil
}
