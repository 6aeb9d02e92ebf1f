package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/pgbridge/pgbridge/backend"
)

// TextFormat selects the spelling of result values inside the text format.
type TextFormat string

const (
	// TextFormatPostgres emits the canonical PostgreSQL value spellings.
	TextFormatPostgres TextFormat = "POSTGRESQL"
	// TextFormatSpanner keeps the spellings produced by the backend.
	TextFormatSpanner TextFormat = "SPANNER"
)

// Config holds the validated configuration surface of the proxy.
type Config struct {
	ServerPort          int
	Project             string
	Instance            string
	Database            string
	CredentialsFile     string
	TextFormat          TextFormat
	ForceBinary         bool
	Authenticate        bool
	PsqlMode            bool
	CommandMetadataFile string
	QueryRewritesFile   string
	BigQueryMode        bool
	BackendDriver       string
	BackendDSN          string
	LogLevel            string
	MetricsAddress      string
}

// Dialect resolves the backend dialect profile of the configuration.
func (config *Config) Dialect() backend.Dialect {
	switch {
	case config.BigQueryMode:
		return backend.DialectBigQuery
	case config.Project != "" || config.Instance != "":
		return backend.DialectSpanner
	default:
		return backend.DialectGeneric
	}
}

// loadConfig reads the configuration from viper and validates it. Invalid
// configurations fail startup before the listen port is bound.
func loadConfig() (*Config, error) {
	config := &Config{
		ServerPort:          viper.GetInt("server_port"),
		Project:             viper.GetString("project"),
		Instance:            viper.GetString("instance"),
		Database:            viper.GetString("database"),
		CredentialsFile:     viper.GetString("credentials_file"),
		TextFormat:          TextFormat(strings.ToUpper(viper.GetString("text_format"))),
		ForceBinary:         viper.GetBool("force_binary"),
		Authenticate:        viper.GetBool("authenticate"),
		PsqlMode:            viper.GetBool("psql_mode"),
		CommandMetadataFile: viper.GetString("command_metadata_file"),
		QueryRewritesFile:   viper.GetString("query_rewrites_file"),
		BigQueryMode:        viper.GetBool("bigquery_mode"),
		BackendDriver:       viper.GetString("backend_driver"),
		BackendDSN:          viper.GetString("backend_dsn"),
		LogLevel:            viper.GetString("log_level"),
		MetricsAddress:      viper.GetString("metrics_address"),
	}

	if config.ServerPort < 1 || config.ServerPort > 65535 {
		return nil, fmt.Errorf("invalid server_port %d: must be between 1 and 65535", config.ServerPort)
	}

	switch config.TextFormat {
	case TextFormatPostgres, TextFormatSpanner:
	default:
		return nil, fmt.Errorf("invalid text_format %q: must be POSTGRESQL or SPANNER", config.TextFormat)
	}

	if config.CommandMetadataFile != "" && !config.PsqlMode {
		return nil, errors.New("command_metadata_file is only legal when psql_mode is enabled")
	}

	if config.Authenticate && config.CredentialsFile == "" {
		return nil, errors.New("authenticate requires a credentials_file")
	}

	return config, nil
}

// loadCredentials reads the credential source and returns a validation
// function over its username/password pairs.
func loadCredentials(path string) (func(username, password string) (bool, error), error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer file.Close()

	credentials := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		username, password, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("malformed credentials line: %q", line)
		}

		credentials[username] = password
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return func(username, password string) (bool, error) {
		expected, has := credentials[username]
		return has && expected == password, nil
	}, nil
}
