package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/raft-sessions/pkg/types"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
// YAML fields are overlaid by RAFT_SESSIONS_* environment variables.
type Config struct {
	Node struct {
		ID           string        `yaml:"id" env:"RAFT_SESSIONS_NODE_ID"`
		Role         string        `yaml:"role" env:"RAFT_SESSIONS_NODE_ROLE"` // primary, backup, none
		DataDir      string        `yaml:"data_dir" env:"RAFT_SESSIONS_DATA_DIR"`
		TickInterval time.Duration `yaml:"tick_interval" env:"RAFT_SESSIONS_TICK_INTERVAL"`
	} `yaml:"node"`

	Raft struct {
		// Peers maps every member id (including this node) to its gRPC address.
		// Fewer than two peers runs the node on the local WAL log instead.
		Peers             map[string]string `yaml:"peers"`
		ElectionTimeout   time.Duration     `yaml:"election_timeout"`
		HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	} `yaml:"raft"`

	Session struct {
		MinTimeout time.Duration `yaml:"min_timeout" env:"RAFT_SESSIONS_SESSION_MIN_TIMEOUT"`
		MaxTimeout time.Duration `yaml:"max_timeout" env:"RAFT_SESSIONS_SESSION_MAX_TIMEOUT"`
	} `yaml:"session"`

	Recovery struct {
		OnStart        bool           `yaml:"on_start" env:"RAFT_SESSIONS_RECOVERY_ON_START"`
		Members        []MemberConfig `yaml:"members"`
		PrimitiveType  string         `yaml:"primitive_type"`
		MaxAttempts    int            `yaml:"max_attempts"`
		RequestTimeout time.Duration  `yaml:"request_timeout"`
		Backoff        time.Duration  `yaml:"backoff"`
		Concurrency    int            `yaml:"concurrency"`
	} `yaml:"recovery"`

	WAL struct {
		Path         string `yaml:"path" env:"RAFT_SESSIONS_WAL_PATH"`
		SyncOnAppend bool   `yaml:"sync_on_append" env:"RAFT_SESSIONS_WAL_SYNC"`
	} `yaml:"wal"`

	Snapshot struct {
		Backend     string `yaml:"backend" env:"RAFT_SESSIONS_SNAPSHOT_BACKEND"` // file or redis
		Path        string `yaml:"path" env:"RAFT_SESSIONS_SNAPSHOT_PATH"`
		KeepBackups int    `yaml:"keep_backups"`
		Schedule    string `yaml:"schedule" env:"RAFT_SESSIONS_SNAPSHOT_SCHEDULE"`
		Redis       struct {
			Addr     string `yaml:"addr" env:"RAFT_SESSIONS_REDIS_ADDR"`
			Password string `yaml:"password" env:"RAFT_SESSIONS_REDIS_PASSWORD"`
			DB       int    `yaml:"db"`
			Key      string `yaml:"key"`
		} `yaml:"redis"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled" env:"RAFT_SESSIONS_METRICS_ENABLED"`
	} `yaml:"metrics"`

	HTTP struct {
		Addr string `yaml:"addr" env:"RAFT_SESSIONS_HTTP_ADDR"`
	} `yaml:"http"`

	GRPC struct {
		Addr string `yaml:"addr" env:"RAFT_SESSIONS_GRPC_ADDR"`
	} `yaml:"grpc"`
}

// MemberConfig 恢復時可詢問的成員
type MemberConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// loadConfig 讀取 YAML（path 為空時略過），疊加環境變數並補上預設值
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if c.WAL.Path == "" {
		c.WAL.Path = filepath.Join(c.Node.DataDir, "node.wal")
	}
	if c.Snapshot.Backend == "" {
		c.Snapshot.Backend = "file"
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.Node.DataDir, "node.snapshot")
	}
	if c.Snapshot.Redis.Key == "" {
		c.Snapshot.Redis.Key = "raft-sessions:" + c.Node.ID + ":snapshot"
	}
	if c.Session.MinTimeout <= 0 {
		c.Session.MinTimeout = 5 * time.Second
	}
	if c.Session.MaxTimeout < c.Session.MinTimeout {
		c.Session.MaxTimeout = 6 * c.Session.MinTimeout
	}
}

func (c *Config) validate() error {
	if _, err := types.ParseRole(c.Node.Role); err != nil {
		return fmt.Errorf("node.role: %w", err)
	}
	switch c.Snapshot.Backend {
	case "file":
	case "redis":
		if c.Snapshot.Redis.Addr == "" {
			return errors.New("snapshot.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("snapshot.backend: unknown backend %q", c.Snapshot.Backend)
	}
	if len(c.Raft.Peers) > 1 {
		if _, ok := c.Raft.Peers[c.Node.ID]; !ok {
			return fmt.Errorf("raft.peers must include node id %q", c.Node.ID)
		}
	}
	for i, m := range c.Recovery.Members {
		if m.ID == "" || m.Addr == "" {
			return fmt.Errorf("recovery.members[%d]: id and addr are required", i)
		}
	}
	return nil
}

// role 已通過 validate
func (c *Config) role() types.Role {
	r, _ := types.ParseRole(c.Node.Role)
	return r
}

func (c *Config) replicated() bool {
	return len(c.Raft.Peers) > 1
}

// NewConfig 以預設值建立單節點設定，適合嵌入式使用與示範
func NewConfig(id, role, dataDir string) (*Config, error) {
	cfg := &Config{}
	cfg.Node.ID = id
	cfg.Node.Role = role
	cfg.Node.DataDir = dataDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
