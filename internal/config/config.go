package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tgpromote/internal/model"
)

// Config is the process configuration, read from the environment.
type Config struct {
	DSN            string
	Port           string
	AppID          int
	AppHash        string
	OwnerID        int64
	DelaysFile     string
	ConnectTimeout time.Duration
	FloodMargin    time.Duration
	LogLevel       string

	Delays DelayTable
}

// Load reads an optional .env, then the environment, then the delay table.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		DSN:        getenv("DB_DSN", "file:campaigns.db?_foreign_keys=on"),
		Port:       getenv("PORT", "9724"),
		AppHash:    os.Getenv("TG_APP_HASH"),
		DelaysFile: os.Getenv("DELAYS_FILE"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
	}
	var err error
	if cfg.AppID, err = atoi("TG_APP_ID"); err != nil {
		return Config{}, err
	}
	owner, err := atoi("OWNER_ID")
	if err != nil {
		return Config{}, err
	}
	cfg.OwnerID = int64(owner)
	if cfg.ConnectTimeout, err = duration("CONNECT_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.FloodMargin, err = duration("FLOOD_MARGIN", time.Second); err != nil {
		return Config{}, err
	}

	cfg.Delays = DefaultDelays()
	if cfg.DelaysFile != "" {
		if cfg.Delays, err = LoadDelays(cfg.DelaysFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var missing []string
	if c.AppID == 0 {
		missing = append(missing, "TG_APP_ID")
	}
	if c.AppHash == "" {
		missing = append(missing, "TG_APP_HASH")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(key string) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// duration accepts Go durations ("90s") or bare seconds ("90").
func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	var d time.Duration
	if n, err := strconv.Atoi(v); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(v); err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration", key)
	}
	return d, nil
}

// ensure every kind has an entry even when the file only lists some.
func (t DelayTable) complete() DelayTable {
	def := DefaultDelays()
	for _, k := range model.Kinds {
		if _, ok := t[k]; !ok {
			t[k] = def[k]
		}
	}
	return t
}
