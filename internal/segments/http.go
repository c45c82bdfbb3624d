package segments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"viewd/pkg/types"
)

const (
	defaultHTTPTimeout     = 10 * time.Second
	defaultMaxPayloadBytes = 64 << 20
	defaultRateLimit       = 50
	defaultRateBurst       = 10
)

// HTTPIndexConfig configures an HTTPIndex.
type HTTPIndexConfig struct {
	// BaseURL of the remote index, e.g. http://nvr.local/api.
	BaseURL string
	Client  *http.Client
	// RateLimit bounds outbound requests per second (0 uses the default).
	RateLimit float64
	Burst     int
	// MaxPayloadBytes caps a single payload download.
	MaxPayloadBytes int64
}

// HTTPIndex talks to a remote segment index:
//
//	GET {base}/cameras/{id}/segments?from=&to=  -> types.SegmentWindowResponse
//	GET {retrieval_ref}                          -> payload bytes
//
// Relative retrieval refs resolve against the base URL.
type HTTPIndex struct {
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

// NewHTTPIndex validates cfg and returns an HTTPIndex.
func NewHTTPIndex(cfg HTTPIndexConfig) (*HTTPIndex, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("segment index: empty base url")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("segment index: parse base url: %w", err)
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultRateBurst
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	return &HTTPIndex{
		base:     u,
		client:   cfg.Client,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		maxBytes: cfg.MaxPayloadBytes,
	}, nil
}

// Window implements Index.
func (h *HTTPIndex) Window(ctx context.Context, cameraID string, fromMs, toMs int64) ([]types.Segment, error) {
	ref := &url.URL{Path: "cameras/" + url.PathEscape(cameraID) + "/segments"}
	q := url.Values{}
	q.Set("from", strconv.FormatInt(fromMs, 10))
	q.Set("to", strconv.FormatInt(toMs, 10))
	ref.RawQuery = q.Encode()

	body, err := h.get(ctx, h.base.ResolveReference(ref).String(), 4<<20)
	if err != nil {
		return nil, err
	}
	var resp types.SegmentWindowResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode window: %w", err)
	}
	return resp.Segments, nil
}

// Fetch implements PayloadSource.
func (h *HTTPIndex) Fetch(ctx context.Context, seg types.Segment) ([]byte, error) {
	ref, err := url.Parse(seg.RetrievalRef)
	if err != nil {
		return nil, fmt.Errorf("parse retrieval ref: %w", err)
	}
	if !ref.IsAbs() {
		ref = &url.URL{Path: strings.TrimPrefix(ref.Path, "/"), RawQuery: ref.RawQuery}
	}
	return h.get(ctx, h.base.ResolveReference(ref).String(), h.maxBytes)
}

func (h *HTTPIndex) get(ctx context.Context, target string, limit int64) ([]byte, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("GET %s: body exceeds %d bytes", target, limit)
	}
	return b, nil
}
