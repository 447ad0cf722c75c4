/*
Package health provides pluggable dependency-reachability checks: HTTP and
TCP probes used to decide whether this node's upstream dependencies
(discovery, management) are reachable before the node reports itself ready.

# Checker interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

HTTPChecker and TCPChecker both implement it, so callers can probe a
dependency without caring whether it's reached over HTTP or a bare TCP
dial.

# Status tracking

Status applies hysteresis so a single transient failure doesn't flip a
dependency unhealthy:

	status := health.NewStatus()
	config := health.DefaultConfig()
	result := health.NewHTTPChecker(managementURL + "/healthz").Check(ctx)
	status.Update(result, config)
	if !status.Healthy {
		metrics.UpdateComponent("management", false, result.Message)
	}

Config.StartPeriod describes a startup grace period for dependencies that
are slow to come up (e.g. a discovery service still finishing its own
startup). Status.InStartPeriod reports whether that period is still
running; Update itself does not consult it and counts every failure
toward Retries.

# Usage

Probing management reachability before declaring the node ready:

	checker := health.NewHTTPChecker(managementBaseURL + "/healthz").
		WithTimeout(5 * time.Second)
	result := checker.Check(ctx)
	metrics.RegisterComponent("management", result.Healthy, result.Message)
*/
package health
