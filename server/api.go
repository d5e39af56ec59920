package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ApiServer owns the HTTP surface: the websocket endpoint, health, and
// metrics.
type ApiServer struct {
	logger *zap.Logger
	server *http.Server
}

func StartApiServer(logger *zap.Logger, config *Config, metrics *LocalMetrics, socketHandler http.HandlerFunc) *ApiServer {
	router := mux.NewRouter()
	router.HandleFunc("/ws", socketHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	handlerWithCORS := handlers.CORS(
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
		handlers.AllowedMethods([]string{http.MethodGet}),
		handlers.AllowedOrigins([]string{"*"}),
	)(router)

	s := &ApiServer{
		logger: logger,
		server: &http.Server{
			Addr:         config.Address,
			Handler:      handlerWithCORS,
			ReadTimeout:  0, // Long-lived websocket connections.
			WriteTimeout: 0,
		},
	}

	go func() {
		logger.Info("Starting API server", zap.String("address", config.Address))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) Stop() {
	ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFn()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}
