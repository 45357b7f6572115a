// /internal/config/config.go
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

func init() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, falling back to system environment variables")
	}
}

// NodeAddress describes a single Lavalink node from configuration.
type NodeAddress struct {
	Host     string
	Password string
	Secure   bool
}

// Config holds every process tunable. Backoff, resume-window and ceiling
// knobs are configuration on purpose, never hard-coded at call sites.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN"`
	StoragePath  string `env:"STORAGE_PATH" envDefault:"datastore.json"`

	// Semicolon-separated node list, each entry "host:port,password[,tls]".
	LavalinkNodes string `env:"LAVALINK_NODES" envDefault:"127.0.0.1:2333,youshallnotpass"`

	QueueLimit      int           `env:"QUEUE_LIMIT" envDefault:"1000"`
	AutoSkipCeiling int           `env:"AUTO_SKIP_CEILING" envDefault:"3"`
	DefaultVolume   int           `env:"DEFAULT_VOLUME" envDefault:"100"`
	MaxVolume       int           `env:"MAX_VOLUME" envDefault:"1000"`
	SearchPrefix    string        `env:"SEARCH_PREFIX" envDefault:"ytsearch:"`
	EmptyTimeout    time.Duration `env:"EMPTY_CHANNEL_TIMEOUT" envDefault:"10s"`

	ConnectTimeout   time.Duration `env:"NODE_CONNECT_TIMEOUT" envDefault:"5s"`
	BackoffBase      time.Duration `env:"NODE_BACKOFF_BASE" envDefault:"2s"`
	BackoffCap       time.Duration `env:"NODE_BACKOFF_CAP" envDefault:"64s"`
	BackoffFactor    float64       `env:"NODE_BACKOFF_FACTOR" envDefault:"2"`
	FailureThreshold int           `env:"NODE_FAILURE_THRESHOLD" envDefault:"5"`
	ResumeTimeout    time.Duration `env:"NODE_RESUME_TIMEOUT" envDefault:"60s"`

	RestAttempts  int           `env:"REST_ATTEMPTS" envDefault:"3"`
	RestRetryBase time.Duration `env:"REST_RETRY_BASE" envDefault:"500ms"`
	RestRetryCap  time.Duration `env:"REST_RETRY_CAP" envDefault:"5s"`
	RestTimeout   time.Duration `env:"REST_TIMEOUT" envDefault:"10s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile  string `env:"LOG_FILE"`
}

// New loads the configuration from the environment.
func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Nodes parses the LAVALINK_NODES value into node addresses. Entries with
// an empty host are skipped.
func (c *Config) Nodes() []NodeAddress {
	var nodes []NodeAddress
	for _, entry := range strings.Split(c.LavalinkNodes, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ",")
		node := NodeAddress{Host: strings.TrimSpace(parts[0])}
		if node.Host == "" {
			continue
		}
		if len(parts) > 1 {
			node.Password = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			node.Secure = strings.EqualFold(strings.TrimSpace(parts[2]), "tls")
		}

		nodes = append(nodes, node)
	}
	return nodes
}
