package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/chatlink/internal/config"
	"github.com/rickgao/chatlink/internal/connection"
	"github.com/rickgao/chatlink/internal/database"
	"github.com/rickgao/chatlink/internal/metrics"
	"github.com/rickgao/chatlink/internal/model"
	"github.com/rickgao/chatlink/internal/session"
	"github.com/rickgao/chatlink/internal/store"
	"github.com/rickgao/chatlink/internal/stream"
	"github.com/rickgao/chatlink/internal/transport"
	"github.com/rickgao/chatlink/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/chatlink.local.yaml", "path to config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// Logs go to stderr; stdout is the chat console
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	logger.Info("starting chatlink",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"server_url", cfg.Server.URL,
		"user_id", cfg.Server.UserID,
		"database", cfg.Database.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Message store
	var (
		msgStore store.Store = store.NewMemory()
		poolFn   metrics.PoolStatsFunc
	)
	if cfg.Database.Enabled {
		pg := cfg.Database.Postgres
		logger.Info("connecting to database", "host", pg.Host, "port", pg.Port, "database", pg.Name)

		pool, err := database.Connect(ctx, pg)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgStore := store.NewPostgres(pool, logger)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare schema", "error", err)
			os.Exit(1)
		}
		msgStore = pgStore
		poolFn = func() database.PoolStats { return database.Stats(pool) }
		logger.Info("database connected")
	}

	out := os.Stdout
	sess := session.New(
		sessionConfig(cfg),
		sessionContext(cfg),
		transport.NewDialer(transportConfig(cfg), logger),
		session.WithStore(msgStore),
		session.WithLogger(logger),
		session.WithNotifier(func(kind model.NotifyKind, msg string) {
			fmt.Fprintf(out, "[%s] %s\n", kind, msg)
		}),
		session.WithCallbacks(consoleCallbacks(out)),
	)

	collector := metrics.NewCollector(sess.Snapshot, poolFn)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createHealthHandler(sess, cfg.Metrics.Path, metrics.Handler(metrics.NewRegistry(collector))),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		// Connect failures are retried in the background
		if err := sess.Start(gctx); err != nil {
			logger.Warn("initial connect failed", "error", err)
		}
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return sess.Stop(shutdownCtx)
	})

	lines := readLines(os.Stdin)
	con := &console{sess: sess, history: msgStore, out: out}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok || con.run(gctx, line) {
					cancel()
					return nil
				}
			}
		}
	})

	logger.Info("chatlink running",
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	if err := g.Wait(); err != nil {
		logger.Error("chatlink stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("chatlink stopped")
}

// readLines streams stdin lines until EOF.
func readLines(f *os.File) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// consoleCallbacks prints session output to the console.
func consoleCallbacks(out *os.File) session.Callbacks {
	return session.Callbacks{
		OnMessage: func(m model.Message) {
			if m.Revoked {
				fmt.Fprintf(out, "[%s] %s revoked a message\n", m.RoomID, senderName(m))
				return
			}
			fmt.Fprintf(out, "[%s] %s: %s\n", m.RoomID, senderName(m), m.Text)
		},
		OnTyping: func(users []model.TypingUser) {
			if len(users) == 0 {
				return
			}
			names := make([]string, len(users))
			for i, u := range users {
				names[i] = u.UserName
			}
			fmt.Fprintf(out, "%s typing...\n", strings.Join(names, ", "))
		},
		OnStream: func(m stream.Message) {
			switch {
			case m.HasError:
				fmt.Fprintf(out, "[%s] stream %s failed: %s\n", m.ChatCode, m.MessageCode, m.ErrorMessage)
			case m.IsComplete:
				fmt.Fprintf(out, "[%s] %s\n", m.ChatCode, m.CompleteText)
			}
		},
		OnUnreadCount: func(e model.UnreadCountChanged) {
			fmt.Fprintf(out, "[%s] %d unread\n", e.RoomID, e.UnreadCount)
		},
		OnNotificationCounts: func(c model.NotificationCounts) {
			fmt.Fprintf(out, "chats %d, friend requests %d, notifications %d\n",
				c.UnreadChats, c.PendingFriendRequests, c.UnreadNotifications)
		},
		OnRoomRemoved: func(roomID string) {
			fmt.Fprintf(out, "removed from %s\n", roomID)
		},
	}
}

// createHealthHandler serves /health and the Prometheus endpoint.
func createHealthHandler(sess *session.Session, metricsPath string, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metricsHandler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := sess.Snapshot()
		st := snap.Connection

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"connection": map[string]any{
					"state":    st.State.String(),
					"failures": st.ConsecutiveFailures,
				},
				"room":    snap.CurrentRoom,
				"streams": snap.Streams.Active,
			},
		}

		switch {
		case st.Exhausted:
			health.Status = "unhealthy"
		case st.State != connection.StateConnected:
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
