// Package metrics provides the Prometheus registry and scrape handler shared
// by service admin servers.
//
// Each service builds its own registry so tests and multiple runtimes in one
// process never collide on the default registerer.
package metrics
