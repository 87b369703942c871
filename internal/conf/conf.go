// Package conf loads the daemon's configuration per spec §6.4: each
// option has a built-in default, may be overridden by an environment
// variable, and may be overridden again by a JSON file under the data
// directory — in that order of increasing precedence, mirroring the
// teacher's internals/conf.GetConfig layering.
package conf

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	z "github.com/Oudwins/zog"
)

type Config struct {
	DBPath         string        `json:"db_path"`
	MaxConcurrent  int           `json:"max_concurrent"`
	BaseRepo       string        `json:"base_repo"`
	WorktreesDir   string        `json:"worktrees_dir"`
	LogDir         string        `json:"log_dir"`
	PollInterval   time.Duration `json:"-"`
	PollIntervalMs int           `json:"poll_interval_ms"`
	APICredential  string        `json:"api_credential"`
	ListenAddr     string        `json:"listen_addr"`
	AgentBinary    string        `json:"agent_binary"`
}

var configSchema = z.Struct(z.Shape{
	"DBPath":         z.String().Default("tasks.db").Trim(),
	"MaxConcurrent":  z.Int().Default(3),
	"BaseRepo":       z.String().Default("/home/ubuntu/project").Trim().Transform(expandPathTransform),
	"WorktreesDir":   z.String().Default("/home/ubuntu/task-worktrees").Trim().Transform(expandPathTransform),
	"LogDir":         z.String().Default("/home/ubuntu/task-logs").Trim().Transform(expandPathTransform),
	"PollIntervalMs": z.Int().Default(2000),
	"APICredential":  z.String().Default("").Trim(),
	"ListenAddr":     z.String().Default("127.0.0.1:4621").Trim(),
	"AgentBinary":    z.String().Default("agent").Trim(),
})

// Load reads defaults, overlays environment variables, overlays the JSON
// config file at <dataDir>/taskforge.json if present, and returns the
// resolved Config. dataDir itself is not a config option — it is the
// directory the caller has already chosen to keep this config file in.
func Load(dataDir string) Config {
	cfg := &Config{}
	if err := configSchema.Parse(map[string]any{}, cfg); err != nil {
		log.Fatalf("[taskforge] failed to parse default config: %v", err)
	}

	envOverlay := envPayload()
	if len(envOverlay) > 0 {
		if err := configSchema.Parse(envOverlay, cfg); err != nil {
			log.Fatalf("[taskforge] failed to parse environment overrides: %v", err)
		}
	}

	if dataDir != "" {
		configPath := filepath.Join(dataDir, "taskforge.json")
		data, err := os.ReadFile(configPath)
		if err == nil && strings.TrimSpace(string(data)) != "" {
			var payload map[string]any
			if err := json.Unmarshal(data, &payload); err != nil {
				log.Fatalf("[taskforge] failed to parse config file %s: %v", configPath, err)
			}
			if err := configSchema.Parse(payload, cfg); err != nil {
				log.Fatalf("[taskforge] failed to apply config file %s: %v", configPath, err)
			}
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("[taskforge] failed to read config file %s: %v", configPath, err)
		}
	}

	cfg.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 0
	}
	return *cfg
}

func envPayload() map[string]any {
	payload := map[string]any{}
	if v := os.Getenv("TASKFORGE_DB_PATH"); v != "" {
		payload["DBPath"] = v
	}
	if v := os.Getenv("TASKFORGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			payload["MaxConcurrent"] = n
		}
	}
	if v := os.Getenv("TASKFORGE_BASE_REPO"); v != "" {
		payload["BaseRepo"] = v
	}
	if v := os.Getenv("TASKFORGE_WORKTREES_DIR"); v != "" {
		payload["WorktreesDir"] = v
	}
	if v := os.Getenv("TASKFORGE_LOG_DIR"); v != "" {
		payload["LogDir"] = v
	}
	if v := os.Getenv("TASKFORGE_AGENT_BINARY"); v != "" {
		payload["AgentBinary"] = v
	}
	if v := os.Getenv("TASKFORGE_POLL_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			payload["PollIntervalMs"] = int(f * 1000)
		}
	}
	if v := os.Getenv("TASKFORGE_API_CREDENTIAL"); v != "" {
		payload["APICredential"] = v
	}
	if v := os.Getenv("TASKFORGE_LISTEN_ADDR"); v != "" {
		payload["ListenAddr"] = v
	}
	return payload
}

func expandPathTransform(ptr *string, c z.Ctx) error {
	expanded, err := expandPath(*ptr)
	*ptr = expanded
	return err
}

func expandPath(path string) (string, error) {
	if path == "" {
		return path, nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}
