// Package config reads the tool's configuration from the environment.
// The process refuses to start without the token encryption key; every
// other knob has a workable default for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/wikimedia/commons-curator/sealed"
)

// Toolforge ToolsDB endpoint. The database name is derived from the tool
// account per the U__dbname convention.
const toolsDBHost = "tools.db.svc.wikimedia.cloud:3306"

// Config is the resolved runtime configuration.
type Config struct {
	// DBDriver is "sqlite3" or "mysql"; DSN is driver-specific.
	DBDriver string
	DSN      string

	ListenAddr string

	MapillaryToken  string
	OAuthKey        string
	OAuthSecret     string
	FlickrAPIKey    string
	FlickrAPISecret string

	// Admins may see every user's batches. Comma-separated usernames in
	// CURATOR_ADMINS.
	Admins []string

	// RedisURL switches the session cache to Redis when set.
	RedisURL string

	WorkerCount int
}

// Load resolves the configuration. The sealed-token key is validated
// here so a bad deployment dies at startup, not on the first upload.
func Load() (Config, *sealed.Codec, error) {
	codec, err := sealed.FromEnv()
	if err != nil {
		return Config{}, nil, err
	}

	cfg := Config{
		ListenAddr:      getenv("LISTEN_ADDR", ":8000"),
		MapillaryToken:  os.Getenv("MAPILLARY_API_TOKEN"),
		OAuthKey:        os.Getenv("OAUTH_CONSUMER_KEY"),
		OAuthSecret:     os.Getenv("OAUTH_CONSUMER_SECRET"),
		FlickrAPIKey:    os.Getenv("FLICKR_API_KEY"),
		FlickrAPISecret: os.Getenv("FLICKR_API_SECRET"),
		RedisURL:        os.Getenv("REDIS_URL"),
		Admins:          splitList(os.Getenv("CURATOR_ADMINS")),
		WorkerCount:     1,
	}

	if raw := os.Getenv("WORKER_COUNT"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return Config{}, nil, errors.Errorf("invalid WORKER_COUNT %q", raw)
		}
		cfg.WorkerCount = n
	}

	cfg.DBDriver, cfg.DSN, err = resolveDatabase()
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, codec, nil
}

// resolveDatabase picks the database. A ToolsDB credential pair wins
// over DB_URL; otherwise DB_URL; otherwise a local sqlite file.
func resolveDatabase() (driver, dsn string, err error) {
	user := os.Getenv("TOOL_TOOLSDB_USER")
	password := os.Getenv("TOOL_TOOLSDB_PASSWORD")
	if user != "" && password != "" {
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s)/%s__curator?tls=false&parseTime=true",
			user, password, toolsDBHost, user), nil
	}
	if user != "" || password != "" {
		return "", "", errors.New("TOOL_TOOLSDB_USER and TOOL_TOOLSDB_PASSWORD must be set together")
	}

	url := getenv("DB_URL", "sqlite:///./curator.sqlite")
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		// sqlite:///./curator.sqlite carries a relative path after the
		// third slash; sqlite:////var/... an absolute one.
		path := strings.TrimPrefix(url, "sqlite://")
		return "sqlite3", strings.TrimPrefix(path, "/"), nil
	case strings.HasPrefix(url, "mysql://"):
		return "mysql", strings.TrimPrefix(url, "mysql://"), nil
	default:
		return "", "", errors.Errorf("unsupported DB_URL scheme in %q", url)
	}
}

// IsAdmin reports whether the username is in the admin list.
func (c Config) IsAdmin(username string) bool {
	for _, admin := range c.Admins {
		if admin == username {
			return true
		}
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
