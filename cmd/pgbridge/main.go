package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	// The backends a session can be served from. Any database/sql driver
	// works; the embedded sqlite driver backs local development and the
	// pgx driver provides a PostgreSQL pass-through.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pgbridge/pgbridge/backend"
	"github.com/pgbridge/pgbridge/metrics"
	"github.com/pgbridge/pgbridge/translate"
	"github.com/pgbridge/pgbridge/wire"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pgbridge",
	Short: "PostgreSQL wire protocol proxy for non-PostgreSQL backends",
	Long: `pgbridge speaks the PostgreSQL wire protocol to clients and executes
translated statements against a non-PostgreSQL backend. Unchanged PostgreSQL
clients, psql, JDBC drivers and ORMs included, connect through the proxy.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()

	flags.String("config", "", "path to an optional configuration file")
	flags.Int("server-port", 5432, "TCP port the proxy listens on")
	flags.String("project", "", "backend project identifier")
	flags.String("instance", "", "backend instance identifier")
	flags.String("database", "", "backend database identifier")
	flags.String("credentials-file", "", "path to the credential source (username:password per line)")
	flags.String("text-format", "POSTGRESQL", "result text spellings, POSTGRESQL or SPANNER")
	flags.Bool("force-binary", false, "default extended query results to the binary format")
	flags.Bool("authenticate", false, "require cleartext password authentication")
	flags.Bool("psql-mode", false, "enable psql meta-command matching")
	flags.String("command-metadata-file", "", "path to the meta-command matchers manifest")
	flags.String("query-rewrites-file", "", "path to the query rewrites manifest")
	flags.Bool("bigquery-mode", false, "target BigQuery instead of Cloud Spanner")
	flags.String("backend-driver", "sqlite3", "database/sql driver serving as the backend")
	flags.String("backend-dsn", "file:pgbridge?mode=memory&cache=shared", "backend data source name")
	flags.String("log-level", "info", "log level, one of debug, info, warn or error")
	flags.String("metrics-address", "", "optional address exposing prometheus metrics")

	bindings := map[string]string{
		"server_port":           "server-port",
		"project":               "project",
		"instance":              "instance",
		"database":              "database",
		"credentials_file":      "credentials-file",
		"text_format":           "text-format",
		"force_binary":          "force-binary",
		"authenticate":          "authenticate",
		"psql_mode":             "psql-mode",
		"command_metadata_file": "command-metadata-file",
		"query_rewrites_file":   "query-rewrites-file",
		"bigquery_mode":         "bigquery-mode",
		"backend_driver":        "backend-driver",
		"backend_dsn":           "backend-dsn",
		"log_level":             "log-level",
		"metrics_address":       "metrics-address",
	}

	for key, flag := range bindings {
		err := viper.BindPFlag(key, flags.Lookup(flag))
		if err != nil {
			panic(err)
		}
	}
}

func run(cmd *cobra.Command, args []string) error {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	if path != "" {
		viper.SetConfigFile(path)
		err = viper.ReadInConfig()
		if err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(config.LogLevel)
	slog.SetDefault(logger)

	options, err := serverOptions(config, logger)
	if err != nil {
		return err
	}

	connector, closeBackend, err := backend.Open(config.BackendDriver, config.BackendDSN, config.Dialect())
	if err != nil {
		return err
	}
	defer closeBackend() //nolint:errcheck

	srv, err := wire.NewServer(connector, options...)
	if err != nil {
		return err
	}

	if config.MetricsAddress != "" {
		go func() {
			err := metrics.Serve(config.MetricsAddress)
			if err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signals
		logger.Info("shutdown signal received")
		srv.Close() //nolint:errcheck
	}()

	logger.Info("starting pgbridge",
		slog.Int("port", config.ServerPort),
		slog.String("dialect", config.Dialect().String()),
		slog.String("backend", backend.Identifier(config.Project, config.Instance, config.Database)),
	)

	return srv.ListenAndServe(config.ServerPort)
}

// serverOptions assembles the wire server options from the validated
// configuration.
func serverOptions(config *Config, logger *slog.Logger) ([]wire.OptionFn, error) {
	options := []wire.OptionFn{
		wire.Logger(logger),
	}

	if config.ForceBinary {
		options = append(options, wire.ForceBinary())
	}

	if config.TextFormat == TextFormatSpanner {
		options = append(options, wire.BackendText())
	}

	if config.Authenticate {
		credentials, err := loadCredentials(config.CredentialsFile)
		if err != nil {
			return nil, err
		}

		options = append(options, wire.Auth(wire.ClearTextPassword(credentials)))
	}

	var matchers []*translate.Matcher
	var rewrites []*translate.Rewrite
	var err error

	if config.CommandMetadataFile != "" {
		matchers, err = translate.LoadMatchers(config.CommandMetadataFile)
		if err != nil {
			return nil, err
		}
	}

	if config.QueryRewritesFile != "" {
		rewrites, err = translate.LoadRewrites(config.QueryRewritesFile)
		if err != nil {
			return nil, err
		}
	}

	options = append(options, wire.Translator(translate.NewTranslator(matchers, rewrites)))
	return options, nil
}

func newLogger(level string) *slog.Logger {
	var leveler slog.Level
	switch level {
	case "debug":
		leveler = slog.LevelDebug
	case "warn":
		leveler = slog.LevelWarn
	case "error":
		leveler = slog.LevelError
	default:
		leveler = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: leveler}))
}
