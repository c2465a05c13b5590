/*
Package observability turns the runtime lifecycle hooks into Prometheus
metrics and structured log lines.

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hooks := metrics.Hooks().Merge(observability.LogHooks(logger))
	manager := session.NewManager(store, session.WithHooks(hooks))
*/
package observability
