// Package gltf fetches and parses just enough of a binary glTF (GLB)
// container to recover its JSON chunk (spec §4.2), without downloading
// the binary buffer chunk that follows it.
package gltf

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
)

const (
	initialRangeBytes = 256 * 1024
	maxSecondRange    = 2 * 1024 * 1024
	glbMagic          = "glTF"
	jsonChunkType     = 0x4E4F534A // "JSON" little-endian
	headerSize        = 20         // 12-byte GLB header + 8-byte chunk header
)

var (
	ErrTooSmall             = errors.New("glb_too_small")
	ErrMissingJSONChunk     = errors.New("glb_missing_json_chunk")
	ErrIncompleteJSONChunk  = errors.New("glb_incomplete_json_chunk")
	ErrInvalidJSON          = errors.New("gltf_invalid_json")
	ErrSceneEmpty           = errors.New("scene_empty")
)

// Document is the minimal subset of a parsed glTF JSON chunk this module
// needs: the node tree, scenes, and per-node extension metadata.
type Document struct {
	Scene  *int    `json:"scene"`
	Scenes []Scene `json:"scenes"`
	Nodes  []Node  `json:"nodes"`
}

type Scene struct {
	Nodes []int `json:"nodes"`
}

type Node struct {
	Name       string         `json:"name"`
	Matrix     []float64      `json:"matrix"`
	Translation []float64     `json:"translation"`
	Rotation    []float64     `json:"rotation"`
	Scale       []float64     `json:"scale"`
	Children    []int         `json:"children"`
	Extensions  NodeExtensions `json:"extensions"`
}

// NodeExtensions carries the Hubs-specific component bag, which may
// appear under either the current or legacy extension name (§4.3).
type NodeExtensions struct {
	MozHubsComponents  json.RawMessage `json:"MOZ_hubs_components"`
	HubsComponentsAlt  json.RawMessage `json:"HUBS_components"`
}

// Components returns the raw Hubs components payload for a node,
// preferring MOZ_hubs_components and falling back to HUBS_components.
func (n Node) Components() json.RawMessage {
	if len(n.Extensions.MozHubsComponents) > 0 {
		return n.Extensions.MozHubsComponents
	}
	return n.Extensions.HubsComponentsAlt
}

// Fetcher retrieves and parses GLB scene model URLs.
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{httpClient: client}
}

// FetchDocument downloads enough of url to recover its JSON chunk and
// parses it into a Document.
func (f *Fetcher) FetchDocument(ctx context.Context, url string) (*Document, error) {
	body, ranged, err := f.rangedGet(ctx, url, 0, initialRangeBytes-1)
	if err != nil {
		return nil, fmt.Errorf("fetch glb: %w", err)
	}

	jsonBytes, err := f.extractJSONChunk(ctx, url, body, ranged)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if len(doc.Nodes) == 0 {
		return nil, ErrSceneEmpty
	}
	return &doc, nil
}

// extractJSONChunk implements the partial/retry protocol from §4.2.
func (f *Fetcher) extractJSONChunk(ctx context.Context, url string, body []byte, ranged bool) ([]byte, error) {
	if len(body) < 4 || !bytes.Equal(body[:4], []byte(glbMagic)) {
		// No GLB magic: treat the whole thing as text JSON (fetch full body first).
		full, err := f.fullGet(ctx, url, ranged, body)
		if err != nil {
			return nil, err
		}
		return full, nil
	}

	if len(body) < headerSize {
		if ranged {
			// Didn't even get the header; fetch the full body and retry parsing it as GLB.
			full, err := f.fullGetForce(ctx, url)
			if err != nil {
				return nil, err
			}
			return f.extractJSONChunk(ctx, url, full, false)
		}
		return nil, ErrTooSmall
	}

	chunkLength := binary.LittleEndian.Uint32(body[12:16])
	chunkType := binary.LittleEndian.Uint32(body[16:20])
	if chunkType != jsonChunkType {
		return nil, ErrMissingJSONChunk
	}

	need := headerSize + int(chunkLength)
	if need <= len(body) {
		return body[headerSize:need], nil
	}

	if ranged && need <= maxSecondRange {
		full, gotRanged, err := f.rangedGet(ctx, url, 0, need-1)
		if err != nil {
			return nil, fmt.Errorf("fetch glb remainder: %w", err)
		}
		if len(full) >= need {
			return full[headerSize:need], nil
		}
		if gotRanged {
			// Server is honoring ranges but still returned short data.
			return nil, ErrIncompleteJSONChunk
		}
	}

	full, err := f.fullGetForce(ctx, url)
	if err != nil {
		return nil, err
	}
	if len(full) < need {
		return nil, ErrIncompleteJSONChunk
	}
	return full[headerSize:need], nil
}

// rangedGet issues a GET with a byte range and reports whether the server
// honored it (206) or ignored it and returned the full body (200).
func (f *Fetcher) rangedGet(ctx context.Context, url string, start, end int) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}

	ranged := resp.StatusCode == http.StatusPartialContent
	return body, ranged, nil
}

func (f *Fetcher) fullGet(ctx context.Context, url string, alreadyRanged bool, partial []byte) ([]byte, error) {
	if !alreadyRanged {
		// The first response already was the full body (non-ranged server).
		return partial, nil
	}
	return f.fullGetForce(ctx, url)
}

func (f *Fetcher) fullGetForce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// FormatSize renders a byte count for logging (e.g. "300 kB").
func FormatSize(n int) string {
	return humanize.Bytes(uint64(n))
}
