package app

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthHandler answers liveness probes.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// startStatusServer runs the health and metrics HTTP listener for the
// duration of the process.
func (a *App) startStatusServer(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.healthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(a.met.Registry, promhttp.HandlerOpts{}))

	go func() {
		a.logger.Info("Status server starting.", "address", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			a.logger.Error("Status server failed.", "error", err)
		}
	}()
}
