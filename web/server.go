package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/mbocsi/relaychat/app"
	"github.com/mbocsi/relaychat/proto"
)

//go:embed templates/*.html
var templateFS embed.FS

// Backend is what the web UI needs from the application.
type Backend interface {
	Send(ctx context.Context, content string) (proto.Message, error)
	History(limit int) []proto.Message
	ClearHistory() error
	Connect(ctx context.Context) error
	Disconnect()
	Status() app.StatusInfo
	Settings() app.Settings
	UpdateSettings(ctx context.Context, u app.SettingsUpdate) (app.Settings, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server serves the chat page, its JSON API and the event stream.
type Server struct {
	Addr string

	backend   Backend
	hub       *Hub
	templates *template.Template

	mu     sync.Mutex
	server *http.Server
	closed bool
}

func NewServer(addr string, backend Backend, hub *Hub) *Server {
	return &Server{
		Addr:      addr,
		backend:   backend,
		hub:       hub,
		templates: template.Must(template.ParseFS(templateFS, "templates/*.html")),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/", s.HandleIndex)
	r.Get("/ws", s.HandleEvents)
	r.Route("/api", func(r chi.Router) {
		r.Get("/messages", s.HandleHistory)
		r.Post("/messages", s.HandleSend)
		r.Delete("/messages", s.HandleClear)
		r.Get("/status", s.HandleStatus)
		r.Post("/connect", s.HandleConnect)
		r.Post("/disconnect", s.HandleDisconnect)
		r.Get("/settings", s.HandleSettings)
		r.Put("/settings", s.HandleUpdateSettings)
	})
	return r
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	slog.Info("Starting web UI", "addr", s.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.closed = true
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("Shutting down web UI")
	return srv.Shutdown(ctx)
}

func (s *Server) HandleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, "index.html", s.backend.Settings()); err != nil {
		slog.Error("Template error", "page", "index", "error", err)
		http.Error(w, "Template rendering error: "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("UI websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := newSession(s.hub, conn)
	s.hub.register(sess)
	go sess.writePump()
	go sess.readPump()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}
