package request

import "time"

// Engine-wide tuning constants. Retry and clamp values are part of the wire
// behavior and must not drift between components.
const (
	// MaxRetries is the number of transient failures tolerated before a
	// request goes terminal with StatusHTTPDataError.
	MaxRetries = 5

	// MaxRedirects is the redirect-chain ceiling; one more 3xx past this is
	// StatusTooManyRedirects.
	MaxRedirects = 5

	// RetryFirstDelay seeds the exponential backoff ladder.
	RetryFirstDelay = 30 * time.Second

	// MinRetryAfter and MaxRetryAfter clamp server-directed Retry-After.
	MinRetryAfter = 30 * time.Second
	MaxRetryAfter = 86400 * time.Second

	// DefaultMaxConcurrent caps simultaneously running workers.
	DefaultMaxConcurrent = 3

	// BufferSize is the stream read buffer per worker.
	BufferSize = 8 * 1024

	// Progress writes to the store are throttled: both thresholds must pass.
	ProgressStep     = 4096
	ProgressInterval = 1500 * time.Millisecond

	// AttemptCeiling is the host-imposed wall limit for one running attempt;
	// hitting it reschedules the request without counting a failure.
	AttemptCeiling = 10 * time.Minute
)
