// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOpen caps the time allowed to open and ping a remote store (redis,
// postgres) during startup.
const StoreOpen = 5 * time.Second

// ResponsePublish caps a single correlated-outcome publish so a slow ticket
// store cannot stall a projection tier indefinitely.
const ResponsePublish = 2 * time.Second
