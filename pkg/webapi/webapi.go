// This file is to handle things such as metrics/health/pprof, etc

package webapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/couchbase/stellar-gcs/gcs/control"
	"github.com/couchbase/stellar-gcs/gcs/view"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GroupNode is the part of a group node exposed over the web api.
type GroupNode interface {
	CurrentView() *view.View
	State() control.State
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string
	Node          GroupNode
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	node          GroupNode
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		node:          opts.Node,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the stellar gcs internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) writeJSON(rw http.ResponseWriter, statusCode int, value any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(statusCode)
	err := json.NewEncoder(rw).Encode(value)
	if err != nil {
		w.logger.Debug("failed to write json response", zap.Error(err))
	}
}

type viewJSON struct {
	State string     `json:"state"`
	View  *view.View `json:"view,omitempty"`
}

func (w *WebServer) handleView(rw http.ResponseWriter, r *http.Request) {
	if w.node == nil {
		w.writeJSON(rw, http.StatusServiceUnavailable, viewJSON{State: control.StateIdle.String()})
		return
	}

	w.writeJSON(rw, http.StatusOK, viewJSON{
		State: w.node.State().String(),
		View:  w.node.CurrentView(),
	})
}

func (w *WebServer) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if w.node == nil || w.node.State() != control.StateMember {
		rw.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	rw.WriteHeader(http.StatusOK)
}

type logLevelJSON struct {
	Level string `json:"level"`
}

func (w *WebServer) handleGetLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	w.writeJSON(rw, http.StatusOK, logLevelJSON{Level: w.logLevel.Level().String()})
}

func (w *WebServer) handleSetLogLevel(rw http.ResponseWriter, r *http.Request) {
	if w.logLevel == nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}

	var req logLevelJSON
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(rw, "invalid request body", http.StatusBadRequest)
		return
	}

	level, err := zapcore.ParseLevel(req.Level)
	if err != nil {
		http.Error(rw, "invalid log level", http.StatusBadRequest)
		return
	}

	w.logLevel.SetLevel(level)
	w.logger.Info("log level changed", zap.Stringer("level", level))
	w.writeJSON(rw, http.StatusOK, logLevelJSON{Level: level.String()})
}

func (w *WebServer) router() http.Handler {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/view", w.handleView).Methods(http.MethodGet)
	r.HandleFunc("/healthz", w.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/loglevel", w.handleGetLogLevel).Methods(http.MethodGet)
	r.HandleFunc("/loglevel", w.handleSetLogLevel).Methods(http.MethodPut)
	r.HandleFunc("/", w.handleRoot)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPut},
	})

	return otelhttp.NewHandler(c.Handler(r), "webapi")
}

func (w *WebServer) ListenAndServe() error {
	w.httpServer = &http.Server{
		Handler:      w.router(),
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
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
