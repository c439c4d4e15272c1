package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fluxgate/gridcore/config"
)

func main() {
	configPath := os.Getenv("GRIDCORE_CONFIG_FILE")
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("[gridcore] load config file: %v", err)
	}
	cfg = config.LoadFromFlags(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		log.Fatalf("[gridcore] startup failed: %v", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)

	r.Group(func(r chi.Router) {
		r.Use(a.readinessMiddleware)
		r.Use(a.rateLimitMiddleware)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", a.createUser)
			r.Get("/", a.listUsers)
			r.Get("/{id}", a.getUser)
			r.Delete("/{id}", a.deleteUser)
		})

		r.Route("/items", func(r chi.Router) {
			r.Post("/", a.createItem)
			r.Get("/{id}", a.getItem)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[gridcore] listening on %s", cfg.HTTPAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[gridcore] server error: %v", err)
		}
	case <-ctx.Done():
		log.Printf("[gridcore] shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[gridcore] http shutdown: %v", err)
	}

	a.shutdown()
	log.Printf("[gridcore] stopped")
}
