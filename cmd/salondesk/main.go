package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/salondesk/internal/api"
	"github.com/shohag/salondesk/internal/availability"
	"github.com/shohag/salondesk/internal/config"
	"github.com/shohag/salondesk/internal/delivery"
	"github.com/shohag/salondesk/internal/janitor"
	"github.com/shohag/salondesk/internal/notify"
	"github.com/shohag/salondesk/internal/phone"
	"github.com/shohag/salondesk/internal/receipts"
	"github.com/shohag/salondesk/internal/responder"
	"github.com/shohag/salondesk/internal/signing"
	"github.com/shohag/salondesk/internal/storage"
	"github.com/shohag/salondesk/internal/workflow"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "salondesk",
		Short: "SalonDesk: WhatsApp booking receptionist for nail salons",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(servicesCmd(&configPath))
	rootCmd.AddCommand(slotsCmd(&configPath))
	rootCmd.AddCommand(appointmentsCmd(&configPath))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the SalonDesk server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			transport, err := setupTransport(cfg.Delivery.ZAPI, log)
			if err != nil {
				return fmt.Errorf("failed to setup transport: %w", err)
			}

			receiptStore, pruners, err := setupReceipts(cfg.Receipts, log)
			if err != nil {
				return fmt.Errorf("failed to setup receipts: %w", err)
			}

			queue := delivery.NewQueue(delivery.Options{
				MaxRetries:   cfg.Delivery.MaxRetries,
				RetryBackoff: cfg.Delivery.RetryBackoff,
				DefaultDelay: cfg.Delivery.DefaultDelay,
			}, transport, log).WithRecorder(receiptStore)

			operatorPhone := ""
			if cfg.Salon.OperatorPhone != "" {
				operatorPhone, err = phone.Normalize(cfg.Salon.OperatorPhone, cfg.Salon.DefaultRegion)
				if err != nil {
					return fmt.Errorf("invalid salon.operator_phone: %w", err)
				}
			}
			operator := notify.NewOperator(operatorPhone, queue, loc, log)
			if !operator.Enabled() {
				log.Warn().Msg("no operator phone configured, booking notifications disabled")
			}

			engine := newEngine(cfg, loc, store, operator, log)

			reply, err := setupResponder(cfg, loc, store, log)
			if err != nil {
				return fmt.Errorf("failed to setup responder: %w", err)
			}

			wf := workflow.New(workflow.Options{
				StrictOrdering: cfg.Delivery.StrictOrdering,
				MessageDelay:   cfg.Delivery.DefaultDelay,
				ShortDelay:     cfg.Delivery.ShortDelay,
				SlotsShown:     cfg.Schedule.SlotsShown,
				OperatorName:   cfg.Salon.OperatorName,
			}, queue, engine, store, reply, log)

			var verifier *signing.Verifier
			if cfg.Webhook.Secret != "" {
				verifier = signing.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
			} else {
				log.Warn().Msg("webhook.secret not set, inbound webhooks are unauthenticated")
			}

			server := api.NewServer(cfg.Server, api.Deps{
				Store:         store,
				Conversations: wf,
				Outbox:        queue,
				Scheduler:     engine,
				Responder:     reply,
				Receipts:      receiptStore,
				Verifier:      verifier,
				Region:        cfg.Salon.DefaultRegion,
				AdminKey:      cfg.Admin.APIKey,
			}, log)

			sweeper, err := janitor.New(janitor.Config{
				Schedule: cfg.Eviction.Schedule,
				IdleTTL:  cfg.Eviction.IdleTTL,
			}, wf, queue, log, pruners...)
			if err != nil {
				return err
			}
			sweeper.Start()

			go func() {
				if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Str("salon", cfg.Salon.Name).
				Str("timezone", loc.String()).
				Bool("zapi", cfg.Delivery.ZAPI.Enabled).
				Bool("strict_ordering", cfg.Delivery.StrictOrdering).
				Msg("SalonDesk is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			sweeper.Stop()
			wf.Stop()
			operator.Wait()
			queue.Stop()

			log.Info().Msg("SalonDesk stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and seed the service catalogue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func servicesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Inspect the service catalogue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active services",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			services, err := store.ListServices(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list services: %w", err)
			}

			for _, s := range services {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-14s %-40s %4dmin  %s\n", s.Keyword, s.Name, s.DurationMinutes, s.PriceLabel())
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	return cmd
}

func slotsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Show free start times for a service on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")
			keyword, _ := cmd.Flags().GetString("service")
			if keyword == "" {
				return fmt.Errorf("--service is required")
			}

			store, cfg, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			day, err := parseDate(date, loc)
			if err != nil {
				return err
			}

			ctx := context.Background()
			svc, err := store.FindServiceByKeyword(ctx, keyword)
			if err != nil {
				return fmt.Errorf("unknown service %q: %w", keyword, err)
			}

			engine := newEngine(cfg, loc, store, nil, zerolog.Nop())
			slots, err := engine.CheckAvailability(ctx, day, svc.Duration())
			if err != nil {
				return fmt.Errorf("failed to check availability: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(slots) == 0 {
				fmt.Fprintf(out, "No free slots for %s on %s.\n", svc.Name, day.Format("02/01/2006"))
				return nil
			}
			fmt.Fprintf(out, "%s on %s:\n", svc.Name, day.Format("02/01/2006"))
			for _, s := range slots {
				fmt.Fprintf(out, "  %s\n", s.In(loc).Format("15:04"))
			}
			return nil
		},
	}
	cmd.Flags().String("date", "", "day to check as YYYY-MM-DD (default tomorrow)")
	cmd.Flags().String("service", "", "service keyword, e.g. gel")
	return cmd
}

func appointmentsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointments",
		Short: "Inspect appointments",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List appointments on a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			date, _ := cmd.Flags().GetString("date")

			store, cfg, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			day, err := parseDate(date, loc)
			if err != nil {
				return err
			}

			appts, err := store.ListAppointments(context.Background(), day, day.AddDate(0, 0, 1))
			if err != nil {
				return fmt.Errorf("failed to list appointments: %w", err)
			}

			if len(appts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No appointments found.")
				return nil
			}
			out, _ := json.MarshalIndent(appts, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	listCmd.Flags().String("date", "", "day as YYYY-MM-DD (default tomorrow)")

	cmd.AddCommand(listCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "SalonDesk v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupTransport(cfg config.ZAPIConfig, log zerolog.Logger) (delivery.Transport, error) {
	if !cfg.Enabled {
		log.Warn().Msg("Z-API disabled, outbound messages are only logged")
		return delivery.NewLogTransport(log), nil
	}
	return delivery.NewZAPITransport(delivery.ZAPIConfig{
		BaseURL:     cfg.BaseURL,
		InstanceID:  cfg.InstanceID,
		Token:       cfg.Token,
		ClientToken: cfg.ClientToken,
		Timeout:     cfg.Timeout,
		RateLimit:   cfg.RateLimit,
		Burst:       cfg.Burst,
	}, log)
}

// setupReceipts picks Redis when an address is configured and an in-memory
// store otherwise. The memory store is also returned as a pruner for the
// janitor.
func setupReceipts(cfg config.ReceiptsConfig, log zerolog.Logger) (receipts.Store, []janitor.Pruner, error) {
	if cfg.RedisAddr == "" {
		log.Info().Msg("using in-memory delivery receipts")
		mem := receipts.NewMemoryStore(cfg.TTL)
		return mem, []janitor.Pruner{mem}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rs := receipts.NewRedisStore(rdb, cfg.TTL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("using Redis delivery receipts")
	return rs, nil, nil
}

func setupResponder(cfg *config.Config, loc *time.Location, catalog responder.Catalog, log zerolog.Logger) (workflow.Responder, error) {
	salon := responder.Salon{Name: cfg.Salon.Name, Hours: cfg.Salon.Hours, Location: loc}
	if cfg.Responder.APIKey == "" {
		log.Warn().Msg("responder.api_key not set, using static replies")
		return responder.NewStaticResponder(salon, catalog), nil
	}
	return responder.NewChatResponder(responder.ChatConfig{
		BaseURL: cfg.Responder.BaseURL,
		APIKey:  cfg.Responder.APIKey,
		Model:   cfg.Responder.Model,
		Timeout: cfg.Responder.Timeout,
	}, salon, catalog, log)
}

func newEngine(cfg *config.Config, loc *time.Location, store availability.Store, notifier availability.Notifier, log zerolog.Logger) *availability.Engine {
	return availability.NewEngine(availability.Config{
		OpenHour:    cfg.Schedule.OpenHour,
		CloseHour:   cfg.Schedule.CloseHour,
		Granularity: cfg.Schedule.Granularity,
		MaxSlots:    cfg.Schedule.MaxSlots,
		Location:    loc,
	}, store, notifier, log)
}

// parseDate reads YYYY-MM-DD as midnight in loc. Empty means tomorrow, the
// day the booking conversation offers by default.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		now := time.Now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, loc), nil
	}
	day, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, use YYYY-MM-DD", s)
	}
	return day, nil
}

func storeFromConfig(configPath string) (storage.Storage, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, cfg, func() { store.Close() }, nil
}
