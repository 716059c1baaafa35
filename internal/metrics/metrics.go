// Package metrics provides observability for the permission decision engine
package metrics

import (
	"net/http"
	"time"
)

// Metrics provides observability for the permission decision engine
type Metrics interface {
	// Batch check metrics
	RecordCheck(source string, allowed bool, duration time.Duration)
	RecordBatch(size int, duration time.Duration)
	RecordCacheHit(tier string)
	RecordCacheMiss()
	RecordCheckError(errorType string)

	// Resolver metrics
	RecordResolverCall(signature string, duration time.Duration, failed bool)

	// Preloader metrics
	RecordPreloadTask(status string, duration time.Duration)
	UpdatePreloadQueueDepth(depth int)

	// Pattern tracker metrics
	RecordPatternEvent(dropped bool)

	// HTTP handler for Prometheus scraping
	HTTPHandler() http.Handler
}

// NoOpMetrics provides a no-op implementation for testing/disabled monitoring
type NoOpMetrics struct{}

// NewNoOpMetrics creates a new no-op metrics instance
func NewNoOpMetrics() *NoOpMetrics {
	return &NoOpMetrics{}
}

func (n *NoOpMetrics) RecordCheck(source string, allowed bool, duration time.Duration)         {}
func (n *NoOpMetrics) RecordBatch(size int, duration time.Duration)                            {}
func (n *NoOpMetrics) RecordCacheHit(tier string)                                              {}
func (n *NoOpMetrics) RecordCacheMiss()                                                        {}
func (n *NoOpMetrics) RecordCheckError(errorType string)                                       {}
func (n *NoOpMetrics) RecordResolverCall(signature string, duration time.Duration, failed bool) {}
func (n *NoOpMetrics) RecordPreloadTask(status string, duration time.Duration)                 {}
func (n *NoOpMetrics) UpdatePreloadQueueDepth(depth int)                                       {}
func (n *NoOpMetrics) RecordPatternEvent(dropped bool)                                         {}

// HTTPHandler returns a no-op handler
func (n *NoOpMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("# NoOp metrics - monitoring disabled\n"))
	})
}
