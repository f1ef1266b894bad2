package clock

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNowMSMonotonicWithoutSamples(t *testing.T) {
	tk := New("http://example.invalid", testLogger())

	prev := tk.NowMS()
	for i := 0; i < 5; i++ {
		cur := tk.NowMS()
		if cur < prev {
			t.Fatalf("NowMS went backward: %d -> %d", prev, cur)
		}
		prev = cur
	}
}

func TestSampleSetsOffset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		future := time.Now().Add(10 * time.Second)
		w.Header().Set("Date", future.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tk := New(srv.URL, testLogger())
	tk.sample(context.Background())

	tk.mu.Lock()
	haveOffset := tk.haveOffset
	offset := tk.offsetAvgMS
	tk.mu.Unlock()

	if !haveOffset {
		t.Fatal("expected offset to be set after a successful sample")
	}
	if offset < 5000 {
		t.Fatalf("expected offset to reflect the ~10s future Date header, got %v", offset)
	}
}

func TestSampleIgnoresMissingDateHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// net/http adds a Date header by default; a nil value suppresses it.
		w.Header()["Date"] = nil
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tk := New(srv.URL, testLogger())
	tk.sample(context.Background())

	tk.mu.Lock()
	haveOffset := tk.haveOffset
	tk.mu.Unlock()

	if haveOffset {
		t.Fatal("expected no offset to be recorded when Date header is absent")
	}
}

func TestSmoothingConvergesTowardNewSamples(t *testing.T) {
	tk := New("http://example.invalid", testLogger())
	tk.offsetAvgMS = 0
	tk.haveOffset = true

	// Simulate repeated samples all reporting offset=1000ms; the running
	// average should converge toward 1000 without ever overshooting it.
	for i := 0; i < 50; i++ {
		tk.mu.Lock()
		tk.offsetAvgMS += smoothingAlpha * (1000 - tk.offsetAvgMS)
		tk.mu.Unlock()
	}
	tk.mu.Lock()
	got := tk.offsetAvgMS
	tk.mu.Unlock()
	if got < 990 || got > 1000 {
		t.Fatalf("expected offset to converge near 1000ms, got %v", got)
	}
}
