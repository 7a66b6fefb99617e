// Package main - Connect Bridge Application Entry Point
// Following Hexagonal Architecture: wiring only, no business logic
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"connect-bridge/internal/adapters/gateway"
	"connect-bridge/internal/adapters/handler"
	"connect-bridge/internal/adapters/repository"
	"connect-bridge/internal/adapters/websocket"
	"connect-bridge/internal/config"
	"connect-bridge/internal/core/services"
	"connect-bridge/internal/crypto"
)

func main() {
	fmt.Println("=== Connect Bridge - Infrastructure Initialization ===")

	// 1. Load Configuration from Environment
	fmt.Println("[1/6] Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	fmt.Printf("  Config loaded (DB: %s@%s:%d, Redis: %s)\n",
		cfg.DB.User, cfg.DB.Host, cfg.DB.Port, cfg.Redis.Addr)

	// 2. Connect to MariaDB with Retry Logic
	// Docker containers may not be ready immediately, so we retry
	fmt.Println("[2/6] Connecting to MariaDB...")
	db := connectMariaDB(cfg.DB, 5, 2*time.Second)
	defer db.Close()

	// 3. Connect to Redis with Retry Logic
	fmt.Println("[3/6] Connecting to Redis...")
	rdb := connectRedis(cfg.Redis, 5, 2*time.Second)
	defer rdb.Close()

	// 4. Repositories and crypto
	fmt.Println("[4/6] Initializing repositories...")
	mariadbRepo := repository.NewMariaDBRepository(db)
	redisRepo := repository.NewRedisRepository(rdb)

	cipher, err := crypto.NewTokenCipher(cfg.Crypto.TokenSecret)
	if err != nil {
		log.Fatalf("Failed to initialize token cipher: %v", err)
	}

	// 5. Core services
	fmt.Println("[5/6] Initializing services...")
	monitor := services.NewConnectionMonitor(services.DefaultBackoff)

	graphClient := gateway.NewGraphClient(gateway.GraphConfig{
		AppID:      cfg.Platform.AppID,
		AppSecret:  cfg.Platform.AppSecret,
		BaseURL:    cfg.Platform.GraphBaseURL,
		APIVersion: cfg.Platform.APIVersion,
	})

	subscriptions := services.NewSubscriptionManager(
		graphClient,
		mariadbRepo, // AccountRepository
		mariadbRepo, // SubscriptionRepository
		cipher,
		monitor,
		services.DefaultBackoff,
	)

	oauth := services.NewOAuthService(services.OAuthConfig{
		AppID:         cfg.Platform.AppID,
		RedirectURI:   cfg.Platform.RedirectURI,
		Scopes:        cfg.Platform.Scopes,
		StateSecret:   cfg.Platform.StateSecret,
		StateValidity: cfg.Platform.StateValidity,
		DialogURL:     cfg.Platform.OAuthDialog,
	}, graphClient, mariadbRepo, cipher, subscriptions, monitor)

	hub := websocket.NewHub(cfg.App.WSSecret, monitor)
	go hub.Run()

	ingestor := services.NewIngestor(
		mariadbRepo, // AccountRepository
		mariadbRepo, // ConversationRepository
		mariadbRepo, // MessageRepository
		redisRepo,   // DedupRepository
		mariadbRepo, // WebhookLogRepository
		hub,         // EventPublisher
		monitor,
		cfg.Platform.AppSecret,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ingestor.Run(ctx)
	go subscriptions.RunReconcileLoop(ctx, cfg.ReconcileInterval)
	services.RunWatchdog(db)

	// 6. HTTP handlers and router
	fmt.Println("[6/6] Initializing HTTP handlers...")
	webhookHandler := handler.NewWebhookHandler(ingestor, cfg.Platform.VerifyToken)
	oauthHandler := handler.NewOAuthHandler(oauth, cfg.App.SuccessURL, cfg.App.FailureURL)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptions)
	healthHandler := handler.NewHealthHandler(monitor)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Hub-Signature-256"},
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"code":200,"message":"Connect Bridge is running","data":null}`)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/webhook/facebook", webhookHandler.HandleVerify)
	r.Post("/webhook/facebook", webhookHandler.HandleEvent)

	r.Get("/oauth/facebook/connect", oauthHandler.HandleConnect)
	r.Get("/oauth/facebook/callback", oauthHandler.HandleCallback)

	r.Post("/api/subscriptions", subscriptionHandler.HandleSubscribe)
	r.Delete("/api/subscriptions", subscriptionHandler.HandleUnsubscribe)
	r.Post("/api/subscriptions/reconcile", subscriptionHandler.HandleReconcile)

	r.Get("/api/health", healthHandler.HandleHealth)
	r.Get("/ws/chat", hub.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.App.Port)
	fmt.Printf("\n[HTTP] Server listening on %s\n", addr)
	fmt.Println("[HTTP] Facebook webhook: /webhook/facebook")
	fmt.Println("[HTTP] OAuth connect:    /oauth/facebook/connect")
	fmt.Println("[READY] Press Ctrl+C to stop")

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}

// connectMariaDB attempts to connect to MariaDB with retry logic
// Retries are necessary because Docker containers may still be initializing
func connectMariaDB(cfg config.DBConfig, maxRetries int, retryDelay time.Duration) *sql.DB {
	dsn := cfg.GetDSN()

	var db *sql.DB
	var err error

	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			log.Printf("  Attempt %d/%d: Failed to configure DB driver: %v", i, maxRetries, err)
			time.Sleep(retryDelay)
			continue
		}

		// Test the connection with Ping
		err = db.Ping()
		if err == nil {
			return db
		}

		log.Printf("  Attempt %d/%d: Cannot ping MariaDB: %v", i, maxRetries, err)
		db.Close()

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Cannot connect to MariaDB after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})

	ctx := context.Background()
	var err error

	for i := 1; i <= maxRetries; i++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			return rdb
		}

		log.Printf("  Attempt %d/%d: Cannot ping Redis: %v", i, maxRetries, err)

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("Cannot connect to Redis after %d attempts: %v", maxRetries, err)
	return nil // unreachable
}
