package web

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// shutdownTimeout bounds the graceful shutdown of open connections.
const shutdownTimeout = 5 * time.Second

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, display Display, broadcaster *StatusBroadcaster) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(display, broadcaster),
	}
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/status", s.handlers.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", s.handlers.HandleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/anomalies", s.handlers.HandleAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/show", s.handlers.HandleShow).Methods(http.MethodPost)
	r.HandleFunc("/assume", s.handlers.HandleAssume).Methods(http.MethodPost)
	r.HandleFunc("/stop", s.handlers.HandleStop).Methods(http.MethodPost)
	r.HandleFunc("/testing", s.handlers.HandleTesting).Methods(http.MethodPost)
	r.HandleFunc("/brightness", s.handlers.HandleBrightness).Methods(http.MethodPost)
	r.HandleFunc("/motors/{motor}/turn", s.handlers.HandleTurn).Methods(http.MethodPost)

	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
		// Open status streams end with ctx instead of holding up Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
