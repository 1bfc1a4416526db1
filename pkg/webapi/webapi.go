// This file handles the operational HTTP surface: metrics and a
// machine-readable cluster status snapshot for `status --serve`.

package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type WebServerOptions struct {
	Logger        *zap.Logger
	ListenAddress string

	// StatusFn produces the payload served at /status.
	StatusFn func() (interface{}, error)
}

type WebServer struct {
	logger        *zap.Logger
	listenAddress string
	statusFn      func() (interface{}, error)
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		listenAddress: opts.ListenAddress,
		statusFn:      opts.StatusFn,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("mysql-cluster orchestrator webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if w.statusFn == nil {
		rw.WriteHeader(404)
		return
	}

	payload, err := w.statusFn()
	if err != nil {
		rw.WriteHeader(500)
		_ = json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(payload); err != nil {
		w.logger.Debug("failed to write status response", zap.Error(err))
	}
}

func (w *WebServer) ListenAndServe() error {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/status", w.handleStatus)
	r.HandleFunc("/", w.handleRoot)

	w.httpServer = &http.Server{
		Handler:      r,
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("Failed to listen and serve web server", zap.Error(err))
		}
	}()
}
