package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"warehouse-overwatch/api"
	"warehouse-overwatch/api/middleware"
	"warehouse-overwatch/api/services"
	"warehouse-overwatch/db"
	"warehouse-overwatch/pkg/admin"
	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/services/backend"
	"warehouse-overwatch/pkg/services/bus"
	"warehouse-overwatch/pkg/services/connection"
	embeddednats "warehouse-overwatch/pkg/services/embedded-nats"
	"warehouse-overwatch/pkg/services/reconcile"
	"warehouse-overwatch/pkg/services/transport"
	"warehouse-overwatch/pkg/services/workers"
	"warehouse-overwatch/pkg/shared"
	"warehouse-overwatch/pkg/store"
	"warehouse-overwatch/pkg/view"

	"github.com/joho/godotenv"
)

type config struct {
	Port        string
	DBPath      string
	BackendURL  string
	BackendTok  string
	Transport   string
	PushURL     string
	PushToken   string
	EmbedNATS   bool
	NATSPort    int
	FastPoll    time.Duration
	SlowPoll    time.Duration
	CacheFlush  time.Duration
	Reconnect   connection.Config
	Reconcile   reconcile.Config
	Bounds      view.Bounds
	StorageEps  float64
	HTTPTimeout time.Duration
}

func loadConfig() config {
	reconnect := connection.DefaultConfig()
	reconnect.InitialBackoff = envDuration("RECONNECT_INITIAL", reconnect.InitialBackoff)
	reconnect.MaxBackoff = envDuration("RECONNECT_MAX", reconnect.MaxBackoff)
	reconnect.MaxAttempts = envInt("RECONNECT_ATTEMPTS", reconnect.MaxAttempts)

	rc := reconcile.DefaultConfig()
	rc.PushYawUnit = envString("PUSH_YAW_UNIT", rc.PushYawUnit)
	rc.RESTYawUnit = envString("REST_YAW_UNIT", rc.RESTYawUnit)

	cfg := config{
		Port:        envString("PORT", "8080"),
		DBPath:      envString("DB_PATH", db.DefaultConfig().DBPath),
		BackendURL:  envString("BACKEND_URL", backend.DefaultConfig().BaseURL),
		BackendTok:  os.Getenv("BACKEND_TOKEN"),
		Transport:   envString("PUSH_TRANSPORT", "websocket"),
		PushURL:     os.Getenv("PUSH_URL"),
		PushToken:   envString("PUSH_TOKEN", os.Getenv("BACKEND_TOKEN")),
		EmbedNATS:   envBool("EMBEDDED_NATS", false),
		NATSPort:    envInt("NATS_PORT", embeddednats.DefaultConfig().Port),
		FastPoll:    envDuration("FAST_POLL_INTERVAL", 2*time.Second),
		SlowPoll:    envDuration("SLOW_POLL_INTERVAL", 10*time.Second),
		CacheFlush:  envDuration("CACHE_FLUSH_INTERVAL", 30*time.Second),
		Reconnect:   reconnect,
		Reconcile:   rc,
		StorageEps:  envFloat("STORAGE_EPSILON", view.DefaultEpsilon),
		HTTPTimeout: envDuration("BACKEND_TIMEOUT", backend.DefaultConfig().Timeout),
		Bounds: view.Bounds{
			MinX: envFloat("MAP_MIN_X", 0),
			MaxX: envFloat("MAP_MAX_X", 1000),
			MinY: envFloat("MAP_MIN_Y", 0),
			MaxY: envFloat("MAP_MAX_Y", 1000),
		},
	}

	// Flags override the environment.
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite cache path")
	flag.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "backend REST base URL")
	flag.StringVar(&cfg.Transport, "transport", cfg.Transport, "push transport: websocket or nats")
	flag.StringVar(&cfg.PushURL, "push-url", cfg.PushURL, "push channel URL")
	flag.BoolVar(&cfg.EmbedNATS, "embedded-nats", cfg.EmbedNATS, "run an embedded NATS broker")
	flag.Parse()

	if cfg.PushURL == "" && cfg.Transport == "websocket" {
		cfg.PushURL = websocketURL(cfg.BackendURL)
	}
	return cfg
}

// websocketURL derives the push endpoint from the REST base URL.
func websocketURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func initDB(path string) (*db.Service, error) {
	config := db.DefaultConfig()
	config.DBPath = path
	config.AutoInitialize = true

	dbService, err := db.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database service: %w", err)
	}

	log.Println("Database service initialized successfully")
	return dbService, nil
}

func initNATS(port int) (*embeddednats.EmbeddedNATS, error) {
	config := embeddednats.DefaultConfig()
	config.Port = port

	nats, err := embeddednats.New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS: %w", err)
	}

	if err := nats.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	return nats, nil
}

func newTransport(cfg config, nats *embeddednats.EmbeddedNATS) (connection.Transport, error) {
	switch cfg.Transport {
	case "websocket":
		return transport.NewWebSocket(transport.WebSocketConfig{URL: cfg.PushURL, Token: cfg.PushToken}), nil
	case "nats":
		url := cfg.PushURL
		if url == "" && nats != nil {
			url = nats.ClientURL()
		}
		if url == "" {
			return nil, errors.New("PUSH_URL is required for the nats transport without EMBEDDED_NATS")
		}
		return transport.NewNATS(transport.NATSConfig{URL: url, Token: cfg.PushToken}), nil
	}
	return nil, fmt.Errorf("unknown push transport %q", cfg.Transport)
}

// startSync runs the initial bulk load and then starts the push channel. A
// partial load is logged; the resync on every connect fills in the rest.
func startSync(ctx context.Context, reconciler *reconcile.Reconciler, conn *connection.Manager) error {
	if err := reconciler.Resync(ctx); err != nil {
		log.Printf("Initial sync incomplete: %v", err)
	}
	return conn.Start(ctx)
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	} else {
		log.Println("Loaded configuration from .env file")
	}
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	events := bus.New()

	entities := store.New(store.Options{
		OnChange: func(c store.Change) {
			events.Publish(shared.BusStoreChanged, c)
		},
	})
	events.Subscribe(shared.BusStoreChanged, func(e bus.Event) {
		c, ok := e.Payload.(store.Change)
		if !ok {
			return
		}
		if c.Op == store.OpReject {
			m.StorageRejected()
			return
		}
		m.SetEntities(c.Kind, entities.Len(c.Kind))
	})

	// Initialize database
	dbService, err := initDB(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer dbService.Close()

	client := backend.NewClient(backend.Config{BaseURL: cfg.BackendURL, Token: cfg.BackendTok, Timeout: cfg.HTTPTimeout}, m)
	reconciler := reconcile.New(cfg.Reconcile, entities, client, m, nil)

	// Warm start from the last cached view until the first resync lands.
	if snap, ok, err := dbService.LoadSnapshot(ctx); err != nil {
		log.Printf("Failed to load cached view: %v", err)
	} else if ok {
		reconciler.LoadSnapshot(snap)
	}

	// Initialize embedded NATS
	var nats *embeddednats.EmbeddedNATS
	if cfg.EmbedNATS {
		if nats, err = initNATS(cfg.NATSPort); err != nil {
			log.Fatal("Failed to initialize NATS:", err)
		}
	}

	pushTransport, err := newTransport(cfg, nats)
	if err != nil {
		log.Fatal("Failed to configure push transport:", err)
	}
	conn := connection.NewManager(cfg.Reconnect, pushTransport, connection.Options{
		Handler:     reconciler.HandlePush,
		OnConnected: reconciler.Resync,
		Bus:         events,
		Metrics:     m,
	})
	for _, t := range []connection.Topic{connection.MapTopic(), connection.ShelvesTopic(), connection.TasksTopic()} {
		if err := conn.Subscribe(ctx, t); err != nil {
			log.Printf("Failed to subscribe %s: %v", t.Name, err)
		}
	}
	if err := startSync(ctx, reconciler, conn); err != nil {
		log.Fatal("Failed to start connection manager:", err)
	}

	// Start poll workers
	cacheWorker := workers.NewCacheFlushWorker(cfg.CacheFlush, entities.Snapshot, dbService, m, nil)
	workerManager := workers.NewManager(nil,
		workers.NewFleetPollWorker(cfg.FastPoll, client, reconciler, m, nil),
		workers.NewTaskPollWorker(cfg.SlowPoll, client, reconciler, m, nil),
		cacheWorker,
	)
	if err := workerManager.Start(); err != nil {
		log.Fatal("Failed to start workers:", err)
	}

	flow := admin.NewFlow(client, entities, dbService, nil)
	handlers := api.NewHandlers(api.Deps{
		Store:      entities,
		Projector:  view.NewProjector(cfg.Bounds, cfg.StorageEps),
		Connection: conn,
		Tasks:      services.NewTaskService(client, reconciler, entities, conn, nil),
		Shelves:    services.NewShelfService(client, reconciler, flow, dbService, nil),
		DB:         dbService,
		NATS:       natsHealth(nats),
		Metrics:    m,
	})

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Create HTTP server mux
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	// Apply CORS middleware to all routes
	handler := middleware.CORS(middleware.RequestLogger(m, nil)(mux))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting Warehouse Overwatch on port %s (backend %s, %s push)", cfg.Port, cfg.BackendURL, cfg.Transport)
		log.Printf("Bearer token: %s", getAPIToken())

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	if err := conn.Close(); err != nil {
		log.Printf("Failed to close push connection: %v", err)
	}

	if err := workerManager.Stop(); err != nil {
		log.Printf("Failed to stop workers: %v", err)
	}

	// No apply may land after this point; the final flush sees settled state.
	reconciler.Close()
	if err := cacheWorker.Flush(shutdownCtx); err != nil {
		log.Printf("Failed to flush view cache: %v", err)
	}

	if nats != nil {
		if err := nats.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown NATS: %v", err)
		}
	}

	log.Println("Server shutdown complete")
}

// natsHealth avoids handing the handlers a typed nil.
func natsHealth(n *embeddednats.EmbeddedNATS) api.HealthChecker {
	if n == nil {
		return nil
	}
	return n
}

func getAPIToken() string {
	token := os.Getenv("API_BEARER_TOKEN")
	if token == "" {
		token = middleware.DefaultToken
	}
	return token
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Invalid %s=%q, using %s", key, v, def)
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("Invalid %s=%q, using %g", key, v, def)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("Invalid %s=%q, using %v", key, v, def)
		return def
	}
	return b
}
