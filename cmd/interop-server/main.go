package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tribal-ehr/interop/internal/config"
	"github.com/tribal-ehr/interop/internal/domain/cds"
	"github.com/tribal-ehr/interop/internal/domain/router"
	"github.com/tribal-ehr/interop/internal/platform/auth"
	"github.com/tribal-ehr/interop/internal/platform/db"
	"github.com/tribal-ehr/interop/internal/platform/hl7v2"
	"github.com/tribal-ehr/interop/internal/platform/metrics"
	"github.com/tribal-ehr/interop/internal/platform/middleware"
	"github.com/tribal-ehr/interop/internal/platform/mllp"
	"github.com/tribal-ehr/interop/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "interop-server",
		Short: "HL7v2 interoperability engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MLLP listener and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("interop-server " + version)
		},
	}
}

func sendCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "send <message-file>",
		Short: "Send an HL7v2 message to an MLLP endpoint and print the ACK",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf("127.0.0.1:%d", cfg.MLLPPort)
			}
			return sendFile(cmd.Context(), cfg, addr, args[0], os.Stdout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "MLLP endpoint host:port (default: the configured local listener)")
	return cmd
}

// sendFile delivers one HL7v2 message file to the MLLP endpoint at addr and
// writes the acknowledgment summary to out. The message is parsed before
// sending so line endings are normalized and malformed input fails without
// touching the wire.
func sendFile(ctx context.Context, cfg *config.Config, addr, path string, out io.Writer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s does not parse: %w", path, err)
	}

	client := mllp.NewClient(addr,
		mllp.WithConnectTimeout(cfg.MLLPClientConnectTimeout()),
		mllp.WithResponseTimeout(cfg.MLLPClientResponseTimeout()),
		mllp.WithMaxRetries(cfg.MLLPClientMaxRetries),
		mllp.WithBackoff(cfg.MLLPClientBackoff()),
	)
	defer client.Close()

	ack, err := client.SendMessage(ctx, msg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "sent %s (control id %s) to %s\n", msg.Header.MessageType, msg.Header.ControlID, addr)
	fmt.Fprintf(out, "ack: %s\n", ack.FieldValue("MSA", 1))
	if diag := ack.FieldValue("MSA", 3); diag != "" {
		fmt.Fprintf(out, "diagnostic: %s\n", diag)
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to run migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required to inspect migrations")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Write a forward migration instead, or restore the database from a backup.")
			return nil
		},
	})

	return cmd
}

// registerDefaultPipeline installs the catch-all message handler: every
// message that parses is checked against the required-segment table and
// acknowledged AA when clean, AE carrying the first validation error
// otherwise. Integrations that need richer behavior register narrower
// (type, trigger) handlers over the admin API or at build time; the
// wildcard entry only matches when nothing narrower does.
func registerDefaultPipeline(rtr *router.Router, v *hl7v2.Validator) {
	rtr.Register("*", "*", func(ctx context.Context, msg *hl7v2.Message) (router.Result, error) {
		res := v.Validate(msg)
		if !res.Valid {
			return router.Result{AckCode: hl7v2.AckError, Message: res.Errors[0].Message}, nil
		}
		return router.Result{Success: true}, nil
	})
}

// mllpHooks bridges the MLLP listener to the router and the live event
// feed. Every inbound message is routed, the resulting ACK is written back
// on the connection it arrived on, and lifecycle events fan out to
// dashboard subscribers.
func mllpHooks(rtr *router.Router, hub *websocket.Hub, logger zerolog.Logger) mllp.Hooks {
	return mllp.Hooks{
		OnMessage: func(ctx context.Context, msg *hl7v2.Message, reply mllp.ReplyFunc) {
			hub.Broadcast(websocket.TopicMessages, websocket.Event{
				Type:        websocket.EventMessageReceived,
				Topic:       websocket.TopicMessages,
				MessageType: msg.Header.MessageType,
				ControlID:   msg.Header.ControlID,
				Timestamp:   time.Now().UTC(),
			})

			ack, err := rtr.Route(ctx, msg)
			if err != nil {
				logger.Error().Err(err).Str("control_id", msg.Header.ControlID).Msg("routing produced no ack")
				return
			}
			if err := reply(ack.Serialize()); err != nil {
				logger.Error().Err(err).Str("control_id", msg.Header.ControlID).Msg("ack write failed")
				return
			}

			code := hl7v2.AckCode(ack.FieldValue("MSA", 1))
			eventType := websocket.EventMessageAcked
			if code != hl7v2.AckAccept {
				eventType = websocket.EventMessageRejected
			}
			data, _ := json.Marshal(map[string]string{"ackCode": string(code)})
			hub.Broadcast(websocket.TopicMessages, websocket.Event{
				Type:        eventType,
				Topic:       websocket.TopicMessages,
				MessageType: msg.Header.MessageType,
				ControlID:   msg.Header.ControlID,
				Timestamp:   time.Now().UTC(),
				Data:        data,
			})
		},
		OnError: func(connID string, err error) {
			data, _ := json.Marshal(map[string]string{"connId": connID, "error": err.Error()})
			hub.Broadcast(websocket.TopicErrors, websocket.Event{
				Type:      websocket.EventStreamError,
				Topic:     websocket.TopicErrors,
				Timestamp: time.Now().UTC(),
				Data:      data,
			})
		},
		OnConnectionOpen: func(info mllp.ConnectionInfo) {
			data, _ := json.Marshal(info)
			hub.Broadcast(websocket.TopicConnections, websocket.Event{
				Type:      websocket.EventConnectionOpened,
				Topic:     websocket.TopicConnections,
				Timestamp: time.Now().UTC(),
				Data:      data,
			})
		},
		OnConnectionClose: func(info mllp.ConnectionInfo) {
			data, _ := json.Marshal(info)
			hub.Broadcast(websocket.TopicConnections, websocket.Event{
				Type:      websocket.EventConnectionClosed,
				Topic:     websocket.TopicConnections,
				Timestamp: time.Now().UTC(),
				Data:      data,
			})
		},
	}
}

// deadLetterHook publishes DLQ additions to the event feed.
func deadLetterHook(hub *websocket.Hub) func(router.DeadLetterEntry) {
	return func(entry router.DeadLetterEntry) {
		data, _ := json.Marshal(entry)
		hub.Broadcast(websocket.TopicDLQ, websocket.Event{
			Type:        websocket.EventDeadLettered,
			Topic:       websocket.TopicDLQ,
			MessageType: entry.MessageType,
			ControlID:   entry.ControlID,
			Timestamp:   time.Now().UTC(),
			Data:        data,
		})
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if lvl, lvlErr := zerolog.ParseLevel(cfg.LogLevel); lvlErr == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}

	m := metrics.New()

	// Override store: Postgres when DATABASE_URL is set, in-memory otherwise.
	ctx := context.Background()
	overrideRepo := cds.NewOverrideRepoMemory()
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		overrideRepo = cds.NewOverrideRepoPG(pool)
	}

	// Live event feed
	hub := websocket.NewHub(websocket.WithLogger(logger))

	// Message router with the default validating pipeline
	validator := hl7v2.NewValidator()
	rtr := router.New(
		router.WithLogger(logger),
		router.WithMetrics(m),
		router.WithMaxDLQSize(cfg.RouterMaxDLQSize),
		router.WithDeadLetterHook(deadLetterHook(hub)),
	)
	registerDefaultPipeline(rtr, validator)

	// MLLP listener
	mllpServer := mllp.NewServer(cfg.MLLPAddr(),
		mllp.WithMaxConnections(cfg.MLLPMaxConnections),
		mllp.WithIdleTimeout(cfg.MLLPIdleTimeout()),
		mllp.WithLogger(logger),
		mllp.WithMetrics(m),
		mllp.WithHooks(mllpHooks(rtr, hub, logger)),
	)

	// CDS engine with the built-in rule services
	engine := cds.NewEngine(
		cds.WithServiceTimeout(cfg.CDSServiceTimeout()),
		cds.WithLogger(logger),
		cds.WithMetrics(m),
		cds.WithOverrideRepo(overrideRepo),
	)
	for _, svc := range cds.BuiltinServices() {
		engine.Register(svc)
	}
	for _, base := range cfg.CDSExternalURLs {
		base = strings.TrimSpace(base)
		n, regErr := engine.RegisterExternal(ctx, base)
		if regErr != nil {
			logger.Warn().Err(regErr).Str("base_url", base).Msg("external CDS registration failed")
			continue
		}
		logger.Info().Int("services", n).Str("base_url", base).Msg("registered external CDS services")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(m.HTTPMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Auth middleware: permissive in development, JWT when a secret or
	// JWKS endpoint is configured.
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		JWKSURL:  cfg.JWTJWKSURL,
	}
	if cfg.JWTSecret != "" {
		jwtCfg.SigningKey = []byte(cfg.JWTSecret)
	}
	authMW := auth.Middleware(jwtCfg)

	// CDS Hooks endpoints sit at the root per the CDS Hooks discovery
	// convention ({base}/cds-services).
	cdsHandler := cds.NewHandler(engine)
	cdsGroup := e.Group("", authMW)
	cdsHandler.RegisterRoutes(cdsGroup)

	// HL7v2 utility endpoints (parse, validate, ack preview)
	apiV1 := e.Group("/api/v1", authMW)
	hl7Handler := hl7v2.NewHandler(validator)
	hl7Handler.RegisterRoutes(apiV1)

	// Admin surface: router registry, DLQ, overrides, connections, events
	adminGroup := e.Group("/admin", authMW)
	adminGroup.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	routerAdmin := router.NewAdminHandler(rtr)
	routerAdmin.RegisterRoutes(adminGroup.Group("/router"))
	cdsHandler.RegisterAdminRoutes(adminGroup.Group("/cds"))

	adminGroup.GET("/mllp/connections", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"connections": mllpServer.Connections(),
		})
	})

	wsHandler := websocket.NewWebSocketHandler(hub)
	wsHandler.RegisterRoutes(adminGroup)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	// Prometheus metrics
	e.GET("/metrics", m.Handler())

	// Start the MLLP listener
	if err := mllpServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start mllp listener")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mllpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("mllp shutdown failed")
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
