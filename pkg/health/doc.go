/*
Package health tracks whether the runtime's external dependencies are worth
talking to: the observer's review source before each poll, and optionally
the turn runner binary a supervisor shells out to.

A Checker probes one dependency once (HTTPChecker, TCPChecker, ExecChecker);
a Status folds the resulting stream of Results into a debounced verdict, so
a single network blip does not flag a source as down. pkg/ratelimit borrows
the same ConsecutiveFailures counter to pace per-agent retry backoff after
transient turn failures.

	checker := health.NewHTTPChecker("https://reviews.example/api/ping")
	status := health.NewStatus()

	status.Update(checker.Check(ctx), health.Config{Retries: 3})
	if !status.Healthy {
		// skip this poll; the source is dependency_missing until it recovers
	}

The /health, /ready, and /live HTTP endpoints served alongside Prometheus
metrics live in pkg/metrics, not here; that registry reports this process's
own components, while this package probes things outside the process.
*/
package health
