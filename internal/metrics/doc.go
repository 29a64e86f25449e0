// Package metrics defines the Prometheus collectors of the service.
package metrics
