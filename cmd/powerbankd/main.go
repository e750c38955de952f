package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/powerbank/internal/auth"
	"github.com/MarkoPoloResearchLab/powerbank/internal/httpapi"
	"github.com/MarkoPoloResearchLab/powerbank/internal/seed"
	"github.com/MarkoPoloResearchLab/powerbank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/powerbank/pkg/rental"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagTokenTTL           = "token-ttl"
	flagRatePerMinuteCents = "rate-per-minute-cents"
	flagDepositCents       = "deposit-cents"
	flagSignupBonusCents   = "signup-bonus-cents"
	flagStationName        = "name"
	flagStationLat         = "lat"
	flagStationLng         = "lng"
	flagStationLocation    = "location"
	flagBatterySerial      = "serial"
	flagBatteryStation     = "station"
	flagBatteryLevel       = "level"

	envPrefix          = "POWERBANK"
	defaultDatabaseURL = "sqlite://powerbank.db"
	driverPostgres     = "postgres"
	driverSQLite       = "sqlite"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "powerbankd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "powerbankd",
		Short:         "Portable battery rental service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSeedCommand())
	cmd.AddCommand(newAddStationCommand())
	cmd.AddCommand(newAddBatteryCommand())
	cmd.AddCommand(newListStationsCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := httpapi.Config{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, cleanup, err := openDatabaseFromFlags(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			return httpapi.Run(ctx, cfg, gormstore.New(db))
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "JWT issuer")
	cmd.Flags().Duration(flagTokenTTL, 0, "access token lifetime (e.g. 1h)")
	cmd.Flags().Int64(flagRatePerMinuteCents, 0, "rental price per started minute, in cents")
	cmd.Flags().Int64(flagDepositCents, 0, "minimum balance required to start a rental, in cents")
	cmd.Flags().Int64(flagSignupBonusCents, 0, "opening balance credited on signup, in cents")

	return cmd
}

func loadServeConfig(cmd *cobra.Command, cfg *httpapi.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{flagListenAddr, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagTokenTTL, flagRatePerMinuteCents, flagDepositCents, flagSignupBonusCents} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.AllowedOrigins = httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.JWTSigningKey = v.GetString(flagJWTSigningKey)
	cfg.JWTIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.TokenTTL = v.GetDuration(flagTokenTTL)
	cfg.RatePerMinuteCents = v.GetInt64(flagRatePerMinuteCents)
	cfg.DepositCents = v.GetInt64(flagDepositCents)
	cfg.SignupBonusCents = v.GetInt64(flagSignupBonusCents)

	return cfg.Validate()
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabaseFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()
			if err := gormstore.Migrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func newSeedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load the demo dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabaseFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			service, err := adminService(db)
			if err != nil {
				return err
			}
			summary, err := seed.Run(cmd.Context(), service, auth.NewBcryptHasher(0))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d stations, %d batteries\n", summary.Users, summary.Stations, summary.Batteries)
			return nil
		},
	}
}

func newAddStationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-station",
		Short: "Register a rental stand",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabaseFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			service, err := adminService(db)
			if err != nil {
				return err
			}

			params := rental.NewStationParams{
				Name:     strings.TrimSpace(mustString(cmd, flagStationName)),
				Location: strings.TrimSpace(mustString(cmd, flagStationLocation)),
			}
			if cmd.Flags().Changed(flagStationLat) {
				latitude, _ := cmd.Flags().GetFloat64(flagStationLat)
				params.Latitude = &latitude
			}
			if cmd.Flags().Changed(flagStationLng) {
				longitude, _ := cmd.Flags().GetFloat64(flagStationLng)
				params.Longitude = &longitude
			}

			station, err := service.AddStation(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added station %s (%s)\n", station.Name, station.StationID.String())
			return nil
		},
	}

	cmd.Flags().String(flagStationName, "", "station name (required)")
	cmd.Flags().Float64(flagStationLat, 0, "latitude")
	cmd.Flags().Float64(flagStationLng, 0, "longitude")
	cmd.Flags().String(flagStationLocation, "", "free-text address or description")
	_ = cmd.MarkFlagRequired(flagStationName)

	return cmd
}

func newAddBatteryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-battery",
		Short: "Register a battery",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabaseFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			service, err := adminService(db)
			if err != nil {
				return err
			}

			serial, err := rental.NewSerial(mustString(cmd, flagBatterySerial))
			if err != nil {
				return err
			}
			level, _ := cmd.Flags().GetInt(flagBatteryLevel)
			chargeLevel, err := rental.NewChargeLevel(level)
			if err != nil {
				return err
			}
			params := rental.NewBatteryParams{
				Serial:      serial,
				ChargeLevel: chargeLevel,
			}
			if cmd.Flags().Changed(flagBatteryStation) {
				stationID, err := rental.NewStationID(mustString(cmd, flagBatteryStation))
				if err != nil {
					return err
				}
				params.StationID = &stationID
			}

			battery, err := service.AddBattery(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added battery %s (%s)\n", battery.Serial.String(), battery.BatteryID.String())
			return nil
		},
	}

	cmd.Flags().String(flagBatterySerial, "", "battery serial (required)")
	cmd.Flags().String(flagBatteryStation, "", "station id the battery is docked at")
	cmd.Flags().Int(flagBatteryLevel, 100, "charge level percentage")
	_ = cmd.MarkFlagRequired(flagBatterySerial)

	return cmd
}

func newListStationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-stations",
		Short: "Print all rental stands",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cleanup, err := openDatabaseFromFlags(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer func() { _ = cleanup() }()

			service, err := adminService(db)
			if err != nil {
				return err
			}
			stations, err := service.ListStations(cmd.Context())
			if err != nil {
				return err
			}
			for _, station := range stations {
				line := fmt.Sprintf("%s\t%s", station.StationID.String(), station.Name)
				if station.Location != "" {
					line += "\t" + station.Location
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

// adminService builds a Service for CLI operations; the pricing knobs are
// irrelevant to fleet administration so defaults suffice.
func adminService(db *gorm.DB) (*rental.Service, error) {
	pricer, err := rental.NewPerMinutePricer(1)
	if err != nil {
		return nil, err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	return rental.NewService(gormstore.New(db), pricer, 0, clock)
}

func mustString(cmd *cobra.Command, name string) string {
	value, _ := cmd.Flags().GetString(name)
	return value
}

func openDatabaseFromFlags(ctx context.Context, cmd *cobra.Command) (*gorm.DB, func() error, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv(flagDatabaseURL, "DATABASE_URL"); err != nil {
		return nil, nil, err
	}
	if err := v.BindPFlag(flagDatabaseURL, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
		return nil, nil, err
	}
	dsn := v.GetString(flagDatabaseURL)
	if dsn == "" {
		dsn = defaultDatabaseURL
	}

	db, cleanup, driver, err := openDatabase(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("database open: %w", err)
	}
	if driver == driverSQLite {
		if err := gormstore.Migrate(db); err != nil {
			_ = cleanup()
			return nil, nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return db, cleanup, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	cfg := &gorm.Config{}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "powerbank.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
