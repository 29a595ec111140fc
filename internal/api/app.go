package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/campuschat/internal/chat"
	"github.com/npezzotti/campuschat/internal/config"
	"github.com/npezzotti/campuschat/internal/database"
	"github.com/npezzotti/campuschat/internal/server"
	"go.uber.org/zap"
)

type ChatApp struct {
	log            *zap.Logger
	db             database.ChatRepository
	svc            *chat.Service
	cs             *server.ChatServer
	srv            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

// NewChatApp registers every route on mux and wraps it with CORS, access
// logging and panic recovery.
func NewChatApp(mux *http.ServeMux, logger *zap.Logger, cs *server.ChatServer, svc *chat.Service, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		svc:            svc,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if svc != nil {
		s.db = svc.Repository()
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))

	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("POST /api/conversations", s.authMiddleware(s.createConversation))
	mux.Handle("POST /api/conversations/direct", s.authMiddleware(s.createDirectConversation))
	mux.Handle("GET /api/conversations/{id}", s.authMiddleware(s.getConversation))
	mux.Handle("PUT /api/conversations/{id}", s.authMiddleware(s.updateConversation))
	mux.Handle("DELETE /api/conversations/{id}", s.authMiddleware(s.deleteConversation))
	mux.Handle("POST /api/conversations/{id}/participants", s.authMiddleware(s.addParticipant))
	mux.Handle("DELETE /api/conversations/{id}/participants/{userId}", s.authMiddleware(s.removeParticipant))
	mux.Handle("PUT /api/conversations/{id}/moderators/{userId}", s.authMiddleware(s.setModerator))
	mux.Handle("PUT /api/conversations/{id}/admin", s.authMiddleware(s.transferAdmin))

	mux.Handle("GET /api/conversations/{id}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/conversations/{id}/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("GET /api/conversations/{id}/messages/search", s.authMiddleware(s.searchMessages))
	mux.Handle("PUT /api/messages/{id}/read", s.authMiddleware(s.markMessageRead))
	mux.Handle("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))

	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(zap.NewStdLog(logger.Named("access")).Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *ChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ChatApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
