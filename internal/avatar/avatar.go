// Package avatar implements the Avatar Catalog (spec §4.5): it polls the
// featured-avatar listing endpoint and deterministically assigns an
// avatar GLB reference to each bot index.
package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

const refreshInterval = 60 * time.Second

// searchResponse is the subset of the media-search response this module
// needs.
type searchResponse struct {
	Entries []entry `json:"entries"`
}

type entry struct {
	Gltfs struct {
		Avatar string `json:"avatar"`
	} `json:"gltfs"`
	Tags struct {
		Tags []string `json:"tags"`
	} `json:"tags"`
}

// Catalog holds the most recently fetched avatar lists and the
// process-lifetime rotation offset used to spread bot assignments across
// the catalog (§4.5).
type Catalog struct {
	httpClient     *http.Client
	baseURL        string
	log            *slog.Logger
	rotationOffset int

	mu           sync.RWMutex
	allRefs      []string
	fullbodyRefs []string
}

// New creates a Catalog with a freshly drawn rotation offset.
func New(baseURL string, log *slog.Logger) *Catalog {
	return &Catalog{
		httpClient:     &http.Client{Timeout: 5 * time.Second},
		baseURL:        baseURL,
		log:            log,
		rotationOffset: rand.Intn(1000),
	}
}

// Run fetches the catalog immediately, then refreshes it every 60s until
// ctx is cancelled. Failures log and retain the previous values (§7
// avatar-fetch).
func (c *Catalog) Run(ctx context.Context) {
	c.refresh(ctx)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Catalog) refresh(ctx context.Context) {
	url := fmt.Sprintf("%s/api/v1/media/search?source=avatar_listings&filter=featured", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.log.Warn("avatar: build request failed", "err", err)
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("avatar: fetch failed", "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("avatar: unexpected status", "status", resp.StatusCode)
		return
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.log.Warn("avatar: decode failed", "err", err)
		return
	}

	all, fullbody := deriveRefs(parsed.Entries)

	c.mu.Lock()
	c.allRefs = all
	c.fullbodyRefs = fullbody
	c.mu.Unlock()

	c.log.Debug("avatar: catalog refreshed", "all", len(all), "fullbody", len(fullbody))
}

// deriveRefs collects gltfs.avatar into all, deduplicated in first-seen
// order, and the subset whose tags contain "fullbody" or "rpm"
// (case-insensitive) into fullbody (§4.5).
func deriveRefs(entries []entry) (all, fullbody []string) {
	seenAll := make(map[string]bool)
	seenFullbody := make(map[string]bool)

	for _, e := range entries {
		ref := e.Gltfs.Avatar
		if ref == "" {
			continue
		}
		if !seenAll[ref] {
			seenAll[ref] = true
			all = append(all, ref)
		}
		if !seenFullbody[ref] && hasFullbodyTag(e.Tags.Tags) {
			seenFullbody[ref] = true
			fullbody = append(fullbody, ref)
		}
	}
	return all, fullbody
}

func hasFullbodyTag(tags []string) bool {
	for _, t := range tags {
		lower := strings.ToLower(t)
		if lower == "fullbody" || lower == "rpm" {
			return true
		}
	}
	return false
}

// AvatarForBot returns the avatar ref assigned to bot-N (1-indexed),
// preferring the fullbody list and falling back to the full list. It
// returns "" if both lists are empty (§4.5).
func (c *Catalog) AvatarForBot(n int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	refs := c.fullbodyRefs
	if len(refs) == 0 {
		refs = c.allRefs
	}
	if len(refs) == 0 {
		return ""
	}

	idx := (n - 1 + c.rotationOffset) % len(refs)
	if idx < 0 {
		idx += len(refs)
	}
	return refs[idx]
}
