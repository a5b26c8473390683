package main

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MonteCarloClub/powminer/log"
	"github.com/MonteCarloClub/powminer/mining"
	"github.com/MonteCarloClub/powminer/stats"
)

// startMetricsServer serves the worker and share counters on
// http://listen/metrics until the returned server is closed.
func startMetricsServer(listen string, counters []*mining.HashCounter,
	shares stats.ShareCounter, boundary *failureBoundary) (*http.Server, error) {

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := stats.RegisterMetrics(reg, counters, shares); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer boundary.Recover("metrics server")
		log.PwmrLog.Infof("Metrics server listening on %s", listener.Addr())
		err := srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.PwmrLog.Errorf("Metrics server: %v", err)
		}
		log.PwmrLog.Infof("Metrics listener done for %s", listener.Addr())
	}()

	return srv, nil
}
