package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-staychat/internal/config"
	"github.com/npezzotti/go-staychat/internal/database"
	"github.com/npezzotti/go-staychat/internal/server"
	"github.com/npezzotti/go-staychat/internal/stats"
)

type StayChatApp struct {
	log            *log.Logger
	db             database.StayChatRepository
	mux            *http.Server
	cs             *server.ChatServer
	stats          stats.StatsProvider
	validate       *validator.Validate
	signingKey     []byte
	allowedOrigins []string
}

func NewStayChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.StayChatRepository, su stats.StatsProvider, cfg *config.Config) *StayChatApp {
	s := &StayChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		stats:          su,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	if su != nil {
		su.RegisterMetric(stats.NumBookingUpdates)
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/conversations", s.authMiddleware(s.startConversation))
	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("GET /api/conversations/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/bookings/{id}", s.authMiddleware(s.getBooking))
	mux.Handle("PATCH /api/bookings/{id}/status", s.authMiddleware(s.updateBookingStatus))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	if logger != nil {
		h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	}

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the fully wrapped handler chain.
func (s *StayChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *StayChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *StayChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
