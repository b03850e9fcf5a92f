// Package server exposes a recording session over HTTP: a JSON control API,
// a websocket status feed and an MJPEG preview of the composite.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/thesyncim/capture"
)

// Options configures a Server.
type Options struct {
	Session        *capture.Session     // Required
	Devices        capture.MediaDevices // Required
	Defaults       capture.StartOptions // Used for fields a start request omits
	FilenamePrefix string               // Download name prefix, defaults to "recording"
	AllowOrigins   []string             // CORS origins, "*" allows all
	PreviewFPS     int                  // MJPEG preview rate, defaults to 10
	Logger         *zap.Logger
}

// Server serves the control API for one session.
type Server struct {
	opts   Options
	logger *zap.Logger
	engine *gin.Engine
	hub    *Hub
	sub    *capture.Subscription
}

// New builds the router and subscribes the event feed to the session.
func New(opts Options) (*Server, error) {
	if opts.Session == nil || opts.Devices == nil {
		return nil, errors.New("server: Session and Devices are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FilenamePrefix == "" {
		opts.FilenamePrefix = "recording"
	}
	if opts.PreviewFPS <= 0 {
		opts.PreviewFPS = 10
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		hub:    NewHub(opts.Logger),
	}
	s.engine = s.routes()
	s.sub = opts.Session.OnStatusChange(func(snap capture.Snapshot) {
		if msg, err := json.Marshal(newStateResponse(snap)); err == nil {
			s.hub.Broadcast(msg)
		}
	})
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger), cors.New(corsConfig(s.opts.AllowOrigins)))

	api := engine.Group("/api")
	{
		api.GET("/state", s.getState)
		api.GET("/devices", s.getDevices)
		api.GET("/events", s.getEvents)
		api.GET("/download", s.getDownload)
		api.GET("/preview.jpg", s.getPreviewFrame)
		api.GET("/preview.mjpeg", s.getPreviewStream)

		api.POST("/start", s.postStart)
		api.POST("/pause", s.action(s.opts.Session.Pause))
		api.POST("/resume", s.action(s.opts.Session.Resume))
		api.POST("/stop", s.action(s.opts.Session.Stop))
		api.POST("/reset", s.action(s.opts.Session.Reset))
		api.POST("/secondary", s.postSecondary)
		api.POST("/save", s.postSave)

		api.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}
	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the websocket event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close detaches from the session and disconnects event clients. The session
// itself is owned by the caller.
func (s *Server) Close() {
	s.sub.Unsubscribe()
	s.hub.Close()
}

// Run serves on addr until ctx is done, then shuts down gracefully. Request
// contexts derive from ctx so streaming handlers end with it.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	<-errCh
	return err
}
