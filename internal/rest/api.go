// Package rest is the HTTP facade: every resource of the index exposed
// as an addressable JSON entity, plus the tools and feed endpoints.
package rest

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/flatmapit/gopacs/internal/errs"
	"github.com/flatmapit/gopacs/internal/server"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Version is reported by GET /system.
var Version = "0.1.0"

// API serves the REST surface over a server context.
type API struct {
	ctx *server.Context
}

// New builds the REST facade.
func New(ctx *server.Context) *API {
	return &API{ctx: ctx}
}

// answerJSON writes a JSON response.
func answerJSON(w http.ResponseWriter, payload interface{}) {
	data, err := jsonAPI.Marshal(payload)
	if err != nil {
		http.Error(w, "cannot marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// answerError maps the error taxonomy onto HTTP status codes.
func answerError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.Errorf("REST handler failed: %v", err)
	}
	http.Error(w, err.Error(), status)
}

// isLocalRequest tells whether the request comes from the loopback.
func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// middleware gates remote access, checks credentials and counts
// requests.
func (a *API) middleware(next http.Handler) http.Handler {
	cfg := a.ctx.Config().HTTP

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.ctx.Metrics().RestRequests.Inc()

		if !cfg.RemoteAccessAllowed && !isLocalRequest(r) {
			http.Error(w, "remote access is disabled", http.StatusForbidden)
			return
		}

		if cfg.AuthenticationEnabled {
			username, password, ok := r.BasicAuth()
			if !ok || !a.checkCredentials(username, password) {
				w.Header().Set("WWW-Authenticate", `Basic realm="gopacs"`)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (a *API) checkCredentials(username, password string) bool {
	expected, ok := a.ctx.Config().RegisteredUsers[username]
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

// Handler assembles the route table.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /system", a.handleSystem)
	mux.HandleFunc("GET /statistics", a.handleStatistics)
	mux.HandleFunc("GET /tools/now", a.handleNow)
	mux.HandleFunc("GET /tools/generate-uid", a.handleGenerateUID)
	mux.HandleFunc("POST /tools/execute-script", a.handleExecuteScript)
	mux.HandleFunc("POST /tools/create-dicom", a.handleCreateDicom)

	mux.HandleFunc("GET /changes", a.handleGetChanges)
	mux.HandleFunc("DELETE /changes", a.handleDeleteChanges)
	mux.HandleFunc("GET /exports", a.handleGetExports)
	mux.HandleFunc("DELETE /exports", a.handleDeleteExports)

	mux.HandleFunc("POST /instances", a.handleUpload)
	mux.HandleFunc("GET /instances/{id}/file", a.handleInstanceFile)
	mux.HandleFunc("GET /instances/{id}/tags", a.handleInstanceTags)
	mux.HandleFunc("GET /instances/{id}/preview", a.handleInstancePreview)

	mux.HandleFunc("GET /patients/{id}/protected", a.handleGetProtected)
	mux.HandleFunc("PUT /patients/{id}/protected", a.handleSetProtected)
	mux.HandleFunc("POST /patients/{id}/protected", a.handleSetProtected)

	for _, kind := range []string{"patients", "studies", "series", "instances"} {
		kind := kind
		mux.HandleFunc("GET /"+kind, func(w http.ResponseWriter, r *http.Request) {
			a.handleList(w, r, kind)
		})
		mux.HandleFunc("GET /"+kind+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			a.handleGetResource(w, r, kind)
		})
		mux.HandleFunc("DELETE /"+kind+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			a.handleDeleteResource(w, r, kind)
		})
		mux.HandleFunc("GET /"+kind+"/{id}/archive", func(w http.ResponseWriter, r *http.Request) {
			a.handleArchive(w, r, kind)
		})
		mux.HandleFunc("POST /"+kind+"/{id}/modify", func(w http.ResponseWriter, r *http.Request) {
			a.handleModify(w, r, kind, false)
		})
		mux.HandleFunc("POST /"+kind+"/{id}/anonymize", func(w http.ResponseWriter, r *http.Request) {
			a.handleModify(w, r, kind, true)
		})
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.ctx.Metrics().Registry,
		promhttp.HandlerOpts{}))

	return a.middleware(mux)
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (a *API) ListenAndServe(ctx context.Context) error {
	cfg := a.ctx.Config().HTTP

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 300 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	var err error
	if cfg.SSLEnabled {
		logrus.Infof("HTTPS server listening on port %d", cfg.Port)
		err = srv.ListenAndServeTLS(cfg.SSLCertificate, cfg.SSLKey)
	} else {
		logrus.Infof("HTTP server listening on port %d", cfg.Port)
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
