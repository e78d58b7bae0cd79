// Package likhon is a credit-metered live transcription service. Users hold
// a prepaid credit balance in a server-side ledger; a live session charges
// one credit per time quantum and is stopped the moment the balance cannot
// sustain another quantum.
package likhon

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/likhon-app/likhon/api"
	"github.com/likhon-app/likhon/config"
	"github.com/likhon-app/likhon/ledger"
	"github.com/likhon-app/likhon/ledger/sqlite"
)

// Server is the likhon HTTP server: the REST ledger API plus the metered
// websocket transcription endpoint.
type Server struct {
	srv       *http.Server
	log       *log.Logger
	cfg       config.Config
	store     *sqlite.Store
	ledger    ledger.Service
	providers *ProviderSet
	rest      *api.API
}

// New creates a server. The store backs authentication, payments and
// history; ledgerSvc is the balance authority the metering loop charges
// against (normally the same store, or a remote ledger client).
func New(cfg config.Config, store *sqlite.Store, ledgerSvc ledger.Service, providerSet *ProviderSet) *Server {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

	server := &Server{
		log:       logger,
		cfg:       cfg,
		store:     store,
		ledger:    ledgerSvc,
		providers: providerSet,
		rest:      api.New(store, logger),
	}

	server.srv = &http.Server{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		Handler:      server.Handler(),
	}

	return server
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", s.rest.Routes())
	r.Get("/ws", s.handleWebSocket)

	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// Start runs the HTTP listener until it fails or Stop is called.
func (s *Server) Start() error {
	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Printf("Starting server on %s", s.srv.Addr)
		errChan <- s.srv.ListenAndServe()
	}()

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	s.log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}
