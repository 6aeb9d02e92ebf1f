// Package metrics exposes the prometheus instrumentation of the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsAccepted counts every accepted client connection.
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_sessions_accepted_total",
		Help: "Total number of accepted client sessions.",
	})

	// SessionsLive tracks the number of currently served sessions.
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgbridge_sessions_live",
		Help: "Number of currently live client sessions.",
	})

	// Statements counts executed statements by protocol flavor.
	Statements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_statements_total",
		Help: "Total number of executed statements.",
	}, []string{"flavor"})

	// Translations counts translator outcomes by classification.
	Translations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_translations_total",
		Help: "Total number of statement translations by kind.",
	}, []string{"kind"})

	// Errors counts error responses written to clients by SQLSTATE class.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgbridge_errors_total",
		Help: "Total number of error responses by SQLSTATE class.",
	}, []string{"class"})

	// CancelRequests counts received cancel request connections.
	CancelRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgbridge_cancel_requests_total",
		Help: "Total number of received cancel requests.",
	})
)

// Serve exposes the prometheus registry over HTTP on the given address.
func Serve(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(address, mux)
}
