package main

import (
	"net/http"

	"github.com/cuemby/configcore/pkg/metrics"
)

func registerMetricsHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", metrics.Handler())
}
