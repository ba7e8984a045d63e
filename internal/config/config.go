// Package config loads the environment-variable options spec.md §6
// recognizes into one validated record threaded through the rest of the
// process at startup -- the "no process-wide mutable state" design note
// from spec.md §9.
//
// Grounded on the teacher's LoadEnvAndFiles
// (services/mape/internal/config.go): getenv/geti-style helpers with
// defaults, required fields checked once at startup and returned as a
// single error.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// Config is the environment-derived process configuration from spec.md §6.
type Config struct {
	// DBURI is the store connection string. Required.
	DBURI string

	// DBPartitions is the output partition count (DB_PARTITIONS, default 1).
	DBPartitions int
	// SinkApps is the sink partition count (SINK_APPS, default 1).
	SinkApps int
	// SinkRetries is the sink POST retry count (SINK_RETRIES, default 5).
	SinkRetries int

	// InputDB, OutputDB, ErrorDB name the respective stores; an empty
	// string disables that store (INPUT_DB/OUTPUT_DB/ERROR_DB).
	InputDB  string
	OutputDB string
	ErrorDB  string

	// ReplayWindowMillis is REPLAY; <= 0 disables replay.
	ReplayWindowMillis int64
	// PageSize is the replay page size (PAGE_SIZE, default 200).
	PageSize int

	// ListenAddr is the HTTP bind address (LISTEN_ADDR, default ":9500").
	ListenAddr string

	// SinkHost is the downstream sink's base URL, empty disables sinking.
	SinkHost string

	// KafkaBrokers and ShadowTopic configure the optional shadow publisher
	// (SPEC_FULL.md domain-stack addition); empty brokers disables it.
	KafkaBrokers []string
	ShadowTopic  string

	// LogDir is where the tee file handler writes (LOG_DIR, default
	// "./logs").
	LogDir string
}

// FromEnv loads Config from the process environment, per spec.md §6.
func FromEnv() (*Config, error) {
	c := &Config{
		DBURI:              os.Getenv("DB_URI"),
		DBPartitions:       geti("DB_PARTITIONS", 1),
		SinkApps:           geti("SINK_APPS", 1),
		SinkRetries:        geti("SINK_RETRIES", 5),
		InputDB:            getstoredb("INPUT_DB", "input"),
		OutputDB:           getstoredb("OUTPUT_DB", "output"),
		ErrorDB:            getstoredb("ERROR_DB", "err"),
		ReplayWindowMillis: getint64("REPLAY", 0),
		PageSize:           geti("PAGE_SIZE", 200),
		ListenAddr:         getenv("LISTEN_ADDR", ":9500"),
		SinkHost:           os.Getenv("SINK_HOST"),
		KafkaBrokers:       split(os.Getenv("KAFKA_BROKERS"), ","),
		ShadowTopic:        getenv("SHADOW_TOPIC", "reduce.outputs"),
		LogDir:             getenv("LOG_DIR", "./logs"),
	}
	if strings.TrimSpace(c.DBURI) == "" {
		return nil, errors.New("config: missing DB configuration")
	}
	if c.DBPartitions < 1 {
		c.DBPartitions = 1
	}
	if c.SinkApps < 1 {
		c.SinkApps = 1
	}
	if c.SinkRetries < 1 {
		c.SinkRetries = 5
	}
	if c.PageSize < 1 {
		c.PageSize = 200
	}
	return c, nil
}

// Redacted returns a copy safe to log: DBURI is masked since store
// connection strings commonly embed credentials.
func (c Config) Redacted() Config {
	if c.DBURI != "" {
		c.DBURI = "[redacted]"
	}
	return c
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getstoredb returns def unless the env var is explicitly set; per spec.md
// §6 the value "false" or "" disables the store entirely (returns "").
func getstoredb(key, def string) string {
	v, set := os.LookupEnv(key)
	if !set {
		return def
	}
	if v == "false" || v == "" {
		return ""
	}
	return v
}

func geti(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getint64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func split(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
