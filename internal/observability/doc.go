// Package observability builds the process logger and the Prometheus collectors
// shared by the router, health monitor and HTTP layer.
package observability
