package seekable

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/footer"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/pattern"
)

// FormatDetection selects how a stream picks its prefetch strategy.
type FormatDetection int

const (
	// DetectAuto picks the columnar strategy for keys ending in one of
	// Config.ColumnarSuffixes and the sequential strategy otherwise.
	DetectAuto FormatDetection = iota
	// ForceSequential always uses the sequential strategy.
	ForceSequential
	// ForceColumnar always uses the columnar strategy. Objects that turn
	// out not to be Parquet fall back to sequential prefetch.
	ForceColumnar
)

func (d FormatDetection) String() string {
	switch d {
	case DetectAuto:
		return "auto"
	case ForceSequential:
		return "forceSequential"
	case ForceColumnar:
		return "forceColumnar"
	default:
		return fmt.Sprintf("FormatDetection(%d)", int(d))
	}
}

// ParseFormatDetection parses the names returned by FormatDetection.String.
// Matching is case-insensitive.
func ParseFormatDetection(s string) (FormatDetection, error) {
	for _, d := range []FormatDetection{DetectAuto, ForceSequential, ForceColumnar} {
		if strings.EqualFold(s, d.String()) {
			return d, nil
		}
	}
	return DetectAuto, fmt.Errorf("seekable: unknown format detection %q", s)
}

// Config tunes a Factory. Start from DefaultConfig and override fields.
type Config struct {
	// BlockSize is the cache granularity in bytes.
	BlockSize int64
	// MaxCacheBytes is the soft memory budget of the block cache.
	MaxCacheBytes int64

	// ReadAheadBytes is the first sequential prefetch window.
	ReadAheadBytes int64
	// SequentialPrefetchBase is the window growth factor per consecutive
	// sequential read.
	SequentialPrefetchBase float64
	// MaxPrefetchWindow caps the sequential window. Zero disables
	// speculative prefetch.
	MaxPrefetchWindow int64
	// PatternWindow is the number of recent reads the pattern detector
	// considers.
	PatternWindow int

	// MaxConcurrentFetches caps in-flight range reads process-wide.
	MaxConcurrentFetches int
	// MaxConcurrentFetchesPerObject caps in-flight range reads per object.
	// Zero means MaxConcurrentFetches.
	MaxConcurrentFetchesPerObject int
	// MaxRangeSize caps the size of one range read.
	MaxRangeSize int64
	// CoalesceGap is the largest hole between two ranges that are still
	// fetched with one read.
	CoalesceGap int64

	// RetryLimit is the number of retries of a failed read.
	RetryLimit int
	// RetryBackoffBase is the delay before the first retry; it doubles
	// with every further retry.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the retry delay.
	RetryBackoffMax time.Duration
	// FetchTimeout is the deadline of a single read attempt. Zero disables
	// it.
	FetchTimeout time.Duration

	// FormatDetection selects the prefetch strategy of new streams.
	FormatDetection FormatDetection
	// ColumnarSuffixes are the key suffixes treated as Parquet by
	// DetectAuto.
	ColumnarSuffixes []string
	// FooterTailBytes is the size of the speculative tail read that
	// fetches the Parquet footer.
	FooterTailBytes int64

	// MetadataCacheSize is the number of head results kept.
	MetadataCacheSize int
	// MetadataTTL expires head results. Zero keeps them until evicted.
	MetadataTTL time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BlockSize:              8 << 20,
		MaxCacheBytes:          1 << 30,
		ReadAheadBytes:         64 << 10,
		SequentialPrefetchBase: 2.0,
		MaxPrefetchWindow:      64 << 20,
		PatternWindow:          pattern.DefaultWindow,

		MaxConcurrentFetches:          64,
		MaxConcurrentFetchesPerObject: 8,
		MaxRangeSize:                  8 << 20,

		RetryLimit:       3,
		RetryBackoffBase: 100 * time.Millisecond,
		RetryBackoffMax:  5 * time.Second,
		FetchTimeout:     30 * time.Second,

		FormatDetection:  DetectAuto,
		ColumnarSuffixes: []string{".parquet", ".par"},
		FooterTailBytes:  footer.DefaultTailBytes,

		MetadataCacheSize: 50,
		MetadataTTL:       time.Minute,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.BlockSize > 0, "block size must be positive, got %d", c.BlockSize)
	check(c.MaxCacheBytes > 0, "max cache bytes must be positive, got %d", c.MaxCacheBytes)
	check(c.ReadAheadBytes >= 0, "read-ahead bytes must not be negative, got %d", c.ReadAheadBytes)
	check(c.SequentialPrefetchBase >= 1, "sequential prefetch base must be at least 1, got %g", c.SequentialPrefetchBase)
	check(c.MaxPrefetchWindow >= 0, "max prefetch window must not be negative, got %d", c.MaxPrefetchWindow)
	check(c.PatternWindow > 0, "pattern window must be positive, got %d", c.PatternWindow)
	check(c.MaxConcurrentFetches > 0, "max concurrent fetches must be positive, got %d", c.MaxConcurrentFetches)
	check(c.MaxConcurrentFetchesPerObject >= 0, "max concurrent fetches per object must not be negative, got %d", c.MaxConcurrentFetchesPerObject)
	check(c.MaxRangeSize >= c.BlockSize, "max range size %d must be at least the block size %d", c.MaxRangeSize, c.BlockSize)
	check(c.CoalesceGap >= 0, "coalesce gap must not be negative, got %d", c.CoalesceGap)
	check(c.RetryLimit >= 0, "retry limit must not be negative, got %d", c.RetryLimit)
	check(c.RetryBackoffBase >= 0, "retry backoff base must not be negative, got %s", c.RetryBackoffBase)
	check(c.RetryBackoffMax >= 0, "retry backoff max must not be negative, got %s", c.RetryBackoffMax)
	check(c.FetchTimeout >= 0, "fetch timeout must not be negative, got %s", c.FetchTimeout)
	check(c.FormatDetection >= DetectAuto && c.FormatDetection <= ForceColumnar, "unknown format detection %s", c.FormatDetection)
	check(c.FooterTailBytes >= 8, "footer tail bytes must cover the 8 byte trailer, got %d", c.FooterTailBytes)
	check(c.MetadataCacheSize > 0, "metadata cache size must be positive, got %d", c.MetadataCacheSize)
	check(c.MetadataTTL >= 0, "metadata ttl must not be negative, got %s", c.MetadataTTL)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("seekable: invalid config: %w", err)
	}
	return nil
}

func (c Config) columnar(key string) bool {
	switch c.FormatDetection {
	case ForceColumnar:
		return true
	case ForceSequential:
		return false
	}
	lower := strings.ToLower(key)
	for _, suffix := range c.ColumnarSuffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}
