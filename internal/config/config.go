package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for agri-chat.
type Config struct {
	// Chat server endpoints. The media endpoint defaults to the API URL.
	WSURL    string `env:"CHAT_WS_URL"`
	APIURL   string `env:"CHAT_API_URL"`
	MediaURL string `env:"CHAT_MEDIA_URL"`

	// Bearer token for the socket and REST calls. Exactly one source is
	// used: a literal token, or a file that is watched for rotation.
	Token     string `env:"CHAT_TOKEN"`
	TokenFile string `env:"CHAT_TOKEN_FILE"`

	// UserID is stamped on sessions created locally before the server
	// has seen them.
	UserID string `env:"CHAT_USER_ID" envDefault:""`

	// DataDir holds the state database and the media cache. Defaults to
	// ~/.agri-chat.
	DataDir string `env:"DATA_DIR"`

	// Sync tuning.
	ReconnectDelay  time.Duration `env:"RECONNECT_DELAY" envDefault:"5s"`
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"20s"`
	ProbeInterval   time.Duration `env:"PROBE_INTERVAL" envDefault:"10s"`
	HistoryPageSize int           `env:"HISTORY_PAGE_SIZE" envDefault:"50"`

	// Environment controls log format; LogLevel overrides its default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// MCP server settings (MCP_API_KEY required when MCP is enabled).
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
}

const (
	// mcpAPIKeyMinLen is the minimum length for the MCP API key.
	mcpAPIKeyMinLen = 16

	// maxHistoryPageSize caps HISTORY_PAGE_SIZE so a typo cannot ask the
	// server for an unbounded page.
	maxHistoryPageSize = 500
)

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the chat token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.MediaURL == "" {
		cfg.MediaURL = cfg.APIURL
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("CHAT_WS_URL is required")
	}

	u, err := url.Parse(c.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("CHAT_WS_URL must be a ws:// or wss:// URL")
	}

	if c.APIURL == "" {
		return fmt.Errorf("CHAT_API_URL is required")
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("CHAT_API_URL must be an http:// or https:// URL")
	}

	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("one of CHAT_TOKEN or CHAT_TOKEN_FILE is required")
	}

	if c.Token != "" && c.TokenFile != "" {
		return fmt.Errorf("CHAT_TOKEN and CHAT_TOKEN_FILE are mutually exclusive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.PingInterval <= 0 || c.ProbeInterval <= 0 {
		return fmt.Errorf("PING_INTERVAL and PROBE_INTERVAL must be positive")
	}

	if c.HistoryPageSize <= 0 || c.HistoryPageSize > maxHistoryPageSize {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be between 1 and %d", maxHistoryPageSize)
	}

	if c.EnableMCP {
		if c.MCPAPIKey == "" {
			return fmt.Errorf("MCP_API_KEY is required when MCP is enabled")
		}

		if len(c.MCPAPIKey) < mcpAPIKeyMinLen {
			return fmt.Errorf("MCP_API_KEY too short (minimum %d characters)", mcpAPIKeyMinLen)
		}
	}

	return nil
}

// DefaultDataDir returns ~/.agri-chat.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".agri-chat"), nil
}

// StatePath is the bbolt database location inside DataDir.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "chat.db")
}

// MediaDir is the private attachment cache inside DataDir.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
