package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/mergedesk/mergedesk/internal/audit"
	"github.com/mergedesk/mergedesk/internal/config"
	"github.com/mergedesk/mergedesk/internal/database"
	"github.com/mergedesk/mergedesk/internal/handlers"
	"github.com/mergedesk/mergedesk/internal/jobs"
	"github.com/mergedesk/mergedesk/internal/matcher"
	"github.com/mergedesk/mergedesk/internal/middleware"
	"github.com/mergedesk/mergedesk/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting MergeDesk...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	// Initialize default database records
	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}

	db := database.GetDB()

	// Assemble the audit fan-out: log always, browser event stream always,
	// Slack when a bot token is configured and slack_notifications is on
	eventsHub := handlers.NewEventsHub()
	sinks := []audit.Sink{audit.NewLogSink(), eventsHub}
	if cfg.SlackBotToken != "" {
		sinks = append(sinks, audit.NewSlackSink(db, cfg.SlackBotToken, cfg.SlackAuditChannel))
		log.Printf("Slack audit sink wired for channel %s (delivery toggled by the slack_notifications setting)", cfg.SlackAuditChannel)
	} else {
		log.Printf("Slack audit sink disabled (SLACK_BOT_TOKEN not set)")
	}
	auditSink := audit.NewMultiSink(sinks...)

	// Initialize services
	registry := services.NewClusterRegistry(db, auditSink)
	mergeEngine := services.NewMergeEngine(db, auditSink)
	conflictDetector := services.NewConflictDetector(db)
	revertEngine := services.NewRevertEngine(db, conflictDetector, auditSink)
	ticketService := services.NewTicketService(db)
	log.Printf("Services initialized")

	// Initialize the duplicate matcher
	rules, err := matcher.LoadRules(cfg.MatcherRulesPath)
	if err != nil {
		log.Fatalf("Failed to load matcher rules: %v", err)
	}
	fieldMatcher, err := matcher.NewFieldMatcher(rules)
	if err != nil {
		log.Fatalf("Failed to initialize matcher: %v", err)
	}
	log.Printf("Field matcher initialized with %d rules", len(rules))

	// Initialize handlers
	httpHandler := handlers.NewHTTPHandler()
	apiHandler := handlers.NewAPIHandler(db, registry, mergeEngine, revertEngine, ticketService)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)

	// Set up HTTP server routes
	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	apiHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	eventsHub.SetupRoutes(mux)

	// Wrap all routes: request IDs, then CORS, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware(cfg.CORSOrigins...)
	handler := middleware.RequestIDMiddleware(corsMiddleware.Wrap(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Start background jobs
	settings, err := database.GetOrCreateDedupeSettings(db)
	if err != nil {
		log.Fatalf("Failed to load dedupe settings: %v", err)
	}

	stop := make(chan struct{})

	scanJob := jobs.NewDuplicateScan(db, registry, fieldMatcher)
	scanInterval := time.Duration(settings.ScanIntervalMinutes) * time.Minute
	go scanJob.Start(scanInterval, stop)
	log.Printf("Duplicate scan job started (every %s)", scanInterval)

	expiryMonitor := jobs.NewExpiryMonitor(registry)
	go expiryMonitor.Start(time.Minute, stop)
	log.Printf("Expiry monitor started")

	log.Println("MergeDesk is running! Press Ctrl+C to exit.")
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("API base URL: http://localhost:%d/api", cfg.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	close(stop)

	log.Println("Shutting down HTTP server...")
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}

	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
