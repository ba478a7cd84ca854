// Package processor holds helpers shared by the job type processors: input
// image resolution, result persistence and ledger calls.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"productlab/internal/domain"
	"productlab/internal/metrics"
	"productlab/internal/providers"
	"productlab/internal/storage"
)

// ImageFetcher downloads an image and reports its content type.
type ImageFetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, string, error)
}

// DerivedRecorder stores the audit record of the upstream request.
type DerivedRecorder interface {
	RecordDerived(ctx context.Context, jobID string, derived json.RawMessage) error
}

// DataURLCache resolves sources to data URLs once per job execution.
// Concurrent lookups of the same source share one fetch.
type DataURLCache struct {
	fetcher ImageFetcher
	group   singleflight.Group

	mu      sync.RWMutex
	entries map[string]string
}

func NewDataURLCache(fetcher ImageFetcher) *DataURLCache {
	return &DataURLCache{fetcher: fetcher, entries: map[string]string{}}
}

func (c *DataURLCache) Get(ctx context.Context, src string) (string, error) {
	key := strings.TrimSpace(src)
	if key == "" {
		return "", domain.NewError(domain.CodeImageSourceMissing, "")
	}
	if providers.IsDataURL(key) {
		return key, nil
	}
	c.mu.RLock()
	cached, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		data, mimeType, err := c.fetcher.Fetch(ctx, key)
		if err != nil {
			return "", classifyFetch(err)
		}
		if len(data) == 0 {
			return "", domain.NewError(domain.CodeImageSourceMissing, "")
		}
		encoded := providers.EncodeDataURL(mimeType, data)
		c.mu.Lock()
		c.entries[key] = encoded
		c.mu.Unlock()
		return encoded, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetAll resolves srcs in order.
func (c *DataURLCache) GetAll(ctx context.Context, srcs []string) ([]string, error) {
	out := make([]string, 0, len(srcs))
	for _, src := range srcs {
		encoded, err := c.Get(ctx, src)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

// Len reports how many sources were fetched.
func (c *DataURLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// classifyFetch treats a source that no longer exists as missing input.
func classifyFetch(err error) error {
	var status *providers.StatusError
	if errors.As(err, &status) {
		switch status.StatusCode {
		case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
			return domain.WrapError(domain.CodeImageSourceMissing, err, "")
		}
	}
	return providers.Classify(err)
}

// classifyResultDownload keeps cancellation and timeouts as they are. Any
// other failure means the provider's output is gone, which a new attempt can
// fix, so it must not surface as an unavailable model.
func classifyResultDownload(err error) error {
	err = fmt.Errorf("download result: %w", err)
	switch classified := providers.Classify(err); domain.CodeOf(classified) {
	case domain.CodeAborted, domain.CodeUpstreamTimeout:
		return classified
	}
	return domain.WrapError(domain.CodeImageResultMissing, err, "")
}

// Materialize returns the image bytes of a provider result, downloading URL
// results so outputs never depend on upstream URL lifetimes.
func Materialize(ctx context.Context, fetcher ImageFetcher, res *providers.ImageResult) ([]byte, string, error) {
	if res == nil {
		return nil, "", domain.NewError(domain.CodeImageResultMissing, "")
	}
	if len(res.Data) > 0 {
		mimeType := res.MIMEType
		if mimeType == "" {
			mimeType = http.DetectContentType(res.Data)
		}
		return res.Data, mimeType, nil
	}
	if strings.TrimSpace(res.URL) == "" {
		return nil, "", domain.NewError(domain.CodeImageResultMissing, "")
	}
	data, mimeType, err := fetcher.Fetch(ctx, res.URL)
	if err != nil {
		return nil, "", classifyResultDownload(err)
	}
	if len(data) == 0 {
		return nil, "", domain.NewError(domain.CodeImageResultMissing, "")
	}
	return data, mimeType, nil
}

// Upload stores a result and returns its public URL.
func Upload(ctx context.Context, store storage.ObjectStore, key string, data []byte, contentType string) (string, error) {
	url, err := store.Upload(ctx, key, data, contentType)
	if err != nil {
		return "", domain.WrapError(domain.CodeStorageUploadFailed, err, "")
	}
	return url, nil
}

// Debit charges the ledger and maps a short balance to its coded error.
func Debit(ctx context.Context, ledger domain.Ledger, charge domain.Charge) error {
	err := ledger.Debit(ctx, charge)
	switch {
	case err == nil:
		metrics.LedgerOps.WithLabelValues("debit", "ok").Inc()
		return nil
	case errors.Is(err, domain.ErrInsufficientCredits):
		metrics.LedgerOps.WithLabelValues("debit", "insufficient").Inc()
		if _, coded := domain.AsError(err); coded {
			return err
		}
		return domain.WrapError(domain.CodeInsufficientCredits, err, "")
	default:
		metrics.LedgerOps.WithLabelValues("debit", "error").Inc()
		return fmt.Errorf("debit credits: %w", err)
	}
}

// Refund credits back a previous debit. It runs detached from ctx
// cancellation so a compensation is never lost to an abort.
func Refund(ctx context.Context, ledger domain.Ledger, charge domain.Charge) (bool, error) {
	refunded, err := ledger.CreditBack(context.WithoutCancel(ctx), charge)
	switch {
	case err != nil:
		metrics.LedgerOps.WithLabelValues("credit_back", "error").Inc()
	case refunded:
		metrics.LedgerOps.WithLabelValues("credit_back", "ok").Inc()
	default:
		metrics.LedgerOps.WithLabelValues("credit_back", "noop").Inc()
	}
	return refunded, err
}

// ParseRatio parses "W:H" into W/H.
func ParseRatio(aspect string) (float64, bool) {
	w, h, ok := strings.Cut(strings.TrimSpace(aspect), ":")
	if !ok {
		return 0, false
	}
	fw, err1 := strconv.ParseFloat(strings.TrimSpace(w), 64)
	fh, err2 := strconv.ParseFloat(strings.TrimSpace(h), 64)
	if err1 != nil || err2 != nil || fw <= 0 || fh <= 0 {
		return 0, false
	}
	return fw / fh, true
}

// RatioMatches reports whether width/height is within tolerance of target,
// measured relative to target.
func RatioMatches(width, height int, target, tolerance float64) bool {
	if width <= 0 || height <= 0 || target <= 0 {
		return false
	}
	actual := float64(width) / float64(height)
	return math.Abs(actual/target-1) <= tolerance
}

var sizeEdges = map[string]int{"1K": 1024, "2K": 2048, "4K": 4096}

// ImageSize returns "WxH" for an aspect ratio at a resolution tier; the long
// edge matches the tier. Unknown ratios yield a square.
func ImageSize(aspect, resolution string) string {
	edge, ok := sizeEdges[strings.ToUpper(strings.TrimSpace(resolution))]
	if !ok {
		edge = sizeEdges["1K"]
	}
	ratio, ok := ParseRatio(aspect)
	if !ok {
		ratio = 1
	}
	w, h := edge, edge
	if ratio >= 1 {
		h = roundTo(float64(edge)/ratio, 8)
	} else {
		w = roundTo(float64(edge)*ratio, 8)
	}
	return fmt.Sprintf("%dx%d", w, h)
}

func roundTo(v float64, step int) int {
	n := int(math.Round(v/float64(step))) * step
	if n < step {
		return step
	}
	return n
}
