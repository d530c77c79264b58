// Command chatserver runs the live-session chat service: the WebSocket
// gateway, the REST fallback API, and the Prometheus endpoint, backed by
// Postgres, Redis, and NATS when configured and by in-memory stores when not.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/classcast/livechat/internal/api"
	"github.com/classcast/livechat/internal/auth"
	"github.com/classcast/livechat/internal/chat"
	"github.com/classcast/livechat/internal/config"
	"github.com/classcast/livechat/internal/hub"
	"github.com/classcast/livechat/internal/kv"
	"github.com/classcast/livechat/internal/message"
	"github.com/classcast/livechat/internal/messaging"
	"github.com/classcast/livechat/internal/metrics"
	"github.com/classcast/livechat/internal/moderation"
	"github.com/classcast/livechat/internal/presence"
	"github.com/classcast/livechat/internal/ratelimit"
	"github.com/classcast/livechat/internal/ws"
	"github.com/classcast/livechat/migrations"
)

func main() {
	_ = godotenv.Load() // missing .env is fine (e.g. in production)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("chatserver: %v", err)
	}

	// --- Counters (rate limits and strikes) ---
	var counters kv.Counter = kv.NewMemoryCounter()
	if cfg.RedisAddr != "" {
		client, err := kv.DialRedis(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("chatserver: failed to connect to Redis: %v", err)
		}
		defer client.Close()
		counters = kv.NewRedisCounter(client)
	}

	// --- Stores ---
	var (
		messageStore message.Store        = message.NewMemoryStore()
		muteStore    moderation.MuteStore = moderation.NewMemoryMuteStore()
		handStore    presence.HandStore   = presence.NewMemoryHandStore()
	)
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("chatserver: %v", err)
		}
		defer db.Close()
		messageStore = message.NewPostgresStore(db)
		muteStore = moderation.NewPostgresMuteStore(db)
		handStore = presence.NewPostgresHandStore(db)
	}

	// --- Profanity filter ---
	filter := moderation.NewFilter()
	if cfg.BlocklistPath != "" {
		terms, err := loadBlocklist(cfg.BlocklistPath)
		if err != nil {
			log.Fatalf("chatserver: failed to load blocklist: %v", err)
		}
		filter = moderation.NewFilterWithTerms(terms)
	}

	// --- Hubs and cross-instance fan-out ---
	hubs := hub.NewManager(cfg.SendQueueSize)

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	var natsClient *messaging.NATSClient
	var cast chat.Broadcaster = hubs
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = serverName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("chatserver: failed to connect to NATS: %v", err)
		}
		fanout := messaging.NewFanout(serverName, hubs, natsClient)
		if err := fanout.Start(); err != nil {
			log.Fatalf("chatserver: failed to start fan-out: %v", err)
		}
		cast = fanout
	}

	svc := chat.NewService(chat.Deps{
		Messages: messageStore,
		Mutes:    muteStore,
		Filter:   filter,
		Strikes:  moderation.NewStrikeTracker(counters),
		Hands:    handStore,
		Typing:   presence.NewTypingTracker(),
		Limiter:  ratelimit.NewLimiter(counters),
		Cast:     cast,
	})

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	gwConfig := ws.DefaultServerConfig()
	gwConfig.ListenAddr = cfg.ListenAddr
	gwConfig.MaxConnections = cfg.MaxConnections
	gwConfig.ReadTimeout = cfg.ReadTimeout
	gwConfig.WriteTimeout = cfg.WriteTimeout

	gateway := ws.NewServer(gwConfig, verifier, svc, hubs)
	gateway.Mount("/api/", api.NewServer(svc, verifier).Router())

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("chatserver: metrics server error: %v", err)
		}
	}()

	log.Printf("Classcast chat server starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  send_queue:      %d", cfg.SendQueueSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.WriteTimeout)
	log.Printf("  redis:           %s", orDefault(cfg.RedisAddr, "in-memory"))
	log.Printf("  database:        %s", orDefault(redactURL(cfg.DatabaseURL), "in-memory"))
	log.Printf("  nats:            %s", orDefault(cfg.NATSURL, "disabled"))

	go func() {
		if err := gateway.Start(); err != nil {
			log.Fatalf("chatserver: gateway error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("chatserver: shutting down")
	if err := gateway.Shutdown(); err != nil {
		log.Printf("chatserver: gateway shutdown error: %v", err)
	}
	if natsClient != nil {
		natsClient.Close()
	}
	log.Println("chatserver: stopped")
}

// openDatabase connects to Postgres and applies any pending schema
// migrations before handing the pool to the stores.
func openDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return db, nil
}

// loadBlocklist reads a newline-delimited term list. Blank lines and
// #-comments are skipped.
func loadBlocklist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var terms []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("blocklist %s contains no terms", path)
	}
	return terms, nil
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// redactURL strips credentials from a DSN before it reaches the logs.
func redactURL(url string) string {
	if url == "" {
		return ""
	}
	at := strings.LastIndex(url, "@")
	scheme := strings.Index(url, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***" + url[at:]
}
