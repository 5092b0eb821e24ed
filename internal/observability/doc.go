// Package observability provides the observability tools for the CSE:
// structured logging with zap, Prometheus metrics, and health/readiness
// checks.
//
// # Logging
//
// Initialize the logger once at application startup:
//
//	logger, err := observability.InitLogger("info", "json", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Use structured logging throughout the application:
//
//	logger.Info("subscription created",
//	    zap.String("ri", sub.RI()),
//	    zap.Strings("nu", sub.GetStringSlice("nu")),
//	)
//
// # Metrics
//
// Initialize metrics once at application startup:
//
//	metrics := observability.InitMetrics("cse")
//
// Record request primitives:
//
//	metrics.RecordPrimitive("CREATE", 2001, time.Since(start))
//
// The notification, event, and worker subsystems register their own
// metrics next to their code; this package carries the request-level
// series only.
//
// # Health Checks
//
// Create a health checker with registered checks:
//
//	healthChecker := observability.NewHealthChecker("v1.0.0")
//	healthChecker.RegisterReadinessCheck("store", observability.StoreHealthCheck(store.Ping))
//
// Expose health endpoints:
//
//	http.HandleFunc("/health", healthChecker.HealthHandler())
//	http.HandleFunc("/ready", healthChecker.ReadinessHandler())
//	http.HandleFunc("/live", observability.LivenessHandler())
package observability
