// Package clock implements the Timekeeper (spec §4.1): an estimate of the
// room server's wall clock derived from HTTP Date header sampling, biased
// to never move backward.
package clock

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"
)

const (
	primeSamples    = 3
	refreshInterval = 5 * time.Minute
	dateMidpointMS  = 500 // Date header is second-granular; bias to the midpoint
	smoothingAlpha  = 0.2
)

// Timekeeper estimates the offset between this process's wall clock and
// the room server's clock, and exposes a monotonic-biased now_ms().
type Timekeeper struct {
	httpClient *http.Client
	baseURL    string
	log        *slog.Logger

	mu           sync.Mutex
	offsetAvgMS  float64
	haveOffset   bool
	lastReturned int64
}

// New creates a Timekeeper that samples baseURL with HEAD requests.
func New(baseURL string, log *slog.Logger) *Timekeeper {
	return &Timekeeper{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		baseURL:    baseURL,
		log:        log,
	}
}

// Run primes the offset with back-to-back samples, then refreshes every
// 5 minutes until ctx is cancelled. Failures are logged and swallowed
// (§4.1, §7 time-sync).
func (t *Timekeeper) Run(ctx context.Context) {
	for i := 0; i < primeSamples; i++ {
		t.sample(ctx)
	}

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sample(ctx)
		}
	}
}

func (t *Timekeeper) sample(ctx context.Context) {
	clientSent := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.baseURL, nil)
	if err != nil {
		t.log.Warn("timekeeper: build request failed", "err", err)
		return
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.log.Warn("timekeeper: sample failed", "err", err)
		return
	}
	defer resp.Body.Close()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		t.log.Warn("timekeeper: response missing Date header")
		return
	}
	serverDate, err := http.ParseTime(dateHeader)
	if err != nil {
		t.log.Warn("timekeeper: unparseable Date header", "date", dateHeader, "err", err)
		return
	}

	serverReceived := serverDate.Add(dateMidpointMS * time.Millisecond)
	clientReceived := time.Now()

	serverTime := serverReceived.Add(clientReceived.Sub(clientSent) / 2)
	offset := float64(serverTime.Sub(clientReceived).Milliseconds())

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveOffset {
		t.offsetAvgMS = offset
		t.haveOffset = true
	} else {
		t.offsetAvgMS += smoothingAlpha * (offset - t.offsetAvgMS)
	}
}

// NowMS returns the current estimated server time in epoch milliseconds.
// It never moves backward relative to the last value it returned, and
// falls back to the local wall clock if the offset-adjusted value is
// non-finite.
func (t *Timekeeper) NowMS() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	wall := float64(time.Now().UnixMilli())
	candidate := wall + t.offsetAvgMS
	if math.IsNaN(candidate) || math.IsInf(candidate, 0) {
		candidate = wall
	}

	next := int64(candidate)
	if next < t.lastReturned {
		next = t.lastReturned
	}
	t.lastReturned = next
	return next
}
