package gltf

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

// buildGLB constructs a minimal valid GLB container with the given JSON
// chunk body (no binary buffer chunk — this module never reads one).
func buildGLB(jsonBody string) []byte {
	var buf []byte
	header := make([]byte, 12)
	copy(header[0:4], []byte(glbMagic))
	binary.LittleEndian.PutUint32(header[4:8], 2)
	totalLen := uint32(12 + 8 + len(jsonBody))
	binary.LittleEndian.PutUint32(header[8:12], totalLen)
	buf = append(buf, header...)

	chunkHeader := make([]byte, 8)
	binary.LittleEndian.PutUint32(chunkHeader[0:4], uint32(len(jsonBody)))
	binary.LittleEndian.PutUint32(chunkHeader[4:8], jsonChunkType)
	buf = append(buf, chunkHeader...)
	buf = append(buf, []byte(jsonBody)...)
	return buf
}

// rangeServer serves a fixed payload honoring Range headers with 206.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}
		var start, end int
		parseRangeHeader(rangeHdr, &start, &end)
		if end >= len(payload) {
			end = len(payload) - 1
		}
		if start > end || start >= len(payload) {
			w.WriteHeader(http.StatusOK)
			w.Write(payload)
			return
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[start : end+1])
	}))
}

func parseRangeHeader(hdr string, start, end *int) {
	hdr = strings.TrimPrefix(hdr, "bytes=")
	parts := strings.SplitN(hdr, "-", 2)
	if len(parts) != 2 {
		return
	}
	*start, _ = strconv.Atoi(parts[0])
	*end, _ = strconv.Atoi(parts[1])
}

func TestFetchDocumentSmallGLBWithinFirstRange(t *testing.T) {
	jsonBody := `{"nodes":[{"name":"n1"}],"scenes":[{"nodes":[0]}],"scene":0}`
	glb := buildGLB(jsonBody)

	srv := rangeServer(t, glb)
	defer srv.Close()

	f := NewFetcher(srv.Client())
	doc, err := f.FetchDocument(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if len(doc.Nodes) != 1 || doc.Nodes[0].Name != "n1" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestFetchDocumentLargeJSONRequiresSecondRange(t *testing.T) {
	// Build a JSON chunk larger than the first 256KiB range.
	padding := strings.Repeat("x", 300*1024)
	jsonBody := `{"nodes":[{"name":"n1","extras":"` + padding + `"}],"scenes":[{"nodes":[0]}],"scene":0}`
	glb := buildGLB(jsonBody)

	srv := rangeServer(t, glb)
	defer srv.Close()

	f := NewFetcher(srv.Client())
	doc, err := f.FetchDocument(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if len(doc.Nodes) != 1 {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestFetchDocumentServerIgnoresRange(t *testing.T) {
	jsonBody := `{"nodes":[{"name":"n1"}],"scenes":[{"nodes":[0]}],"scene":0}`
	glb := buildGLB(jsonBody)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always returns 200 with the full body, ignoring Range.
		w.WriteHeader(http.StatusOK)
		w.Write(glb)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	doc, err := f.FetchDocument(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if len(doc.Nodes) != 1 {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestFetchDocumentNoMagicFallsBackToTextJSON(t *testing.T) {
	jsonBody := []byte(`{"nodes":[{"name":"n1"}],"scenes":[{"nodes":[0]}],"scene":0}`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(jsonBody)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client())
	doc, err := f.FetchDocument(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchDocument: %v", err)
	}
	if len(doc.Nodes) != 1 {
		t.Fatalf("unexpected doc: %+v", doc)
	}
}

func TestFetchDocumentEmptySceneErrors(t *testing.T) {
	jsonBody := `{"nodes":[],"scenes":[{"nodes":[]}],"scene":0}`
	glb := buildGLB(jsonBody)

	srv := rangeServer(t, glb)
	defer srv.Close()

	f := NewFetcher(srv.Client())
	_, err := f.FetchDocument(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error for empty scene")
	}
}
