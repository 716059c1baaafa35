package engine

import "time"

// Component health states. Degradation is advisory: the engine keeps serving
// from cache even while a collaborator is unhealthy.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Minimum sample sizes before an error ratio is considered meaningful
const (
	resolverHealthMinCalls = 20
	preloadHealthMinTasks  = 10
)

// Thresholds above which a component reports degraded
const (
	resolverErrorRateThreshold  = 0.5
	preloadFailureRateThreshold = 0.5
)

// ComponentHealth is the health of one engine component
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthStatus aggregates component health
type HealthStatus struct {
	Status     string                     `json:"status"`
	UptimeS    float64                    `json:"uptime_seconds"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthStatus reports the engine's health from recent error rates
func (e *Engine) HealthStatus() HealthStatus {
	v := e.registry.View()
	components := make(map[string]ComponentHealth, 3)

	resolver := ComponentHealth{Status: StatusHealthy}
	if v.ResolverCalls >= resolverHealthMinCalls {
		rate := float64(v.ResolverErrors) / float64(v.ResolverCalls)
		if rate > resolverErrorRateThreshold {
			resolver.Status = StatusDegraded
			resolver.Detail = "resolver error rate elevated"
		}
	}
	components["resolver"] = resolver

	ps := e.preloader.Stats()
	preloadHealth := ComponentHealth{Status: StatusHealthy}
	total := ps.Completed + ps.Failed + ps.Dropped
	if total >= preloadHealthMinTasks {
		rate := float64(ps.Failed+ps.Dropped) / float64(total)
		if rate > preloadFailureRateThreshold {
			preloadHealth.Status = StatusDegraded
			preloadHealth.Detail = "preload failure rate elevated"
		}
	}
	components["preloader"] = preloadHealth

	components["cache"] = ComponentHealth{Status: StatusHealthy}

	overall := StatusHealthy
	for _, c := range components {
		if c.Status == StatusDegraded {
			overall = StatusDegraded
			break
		}
	}
	return HealthStatus{
		Status:     overall,
		UptimeS:    time.Since(e.started).Seconds(),
		Components: components,
	}
}
