// Package config loads engine configuration from .env and the process
// environment. The .env file carries secrets for local development; real
// environment variables override everything.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every environment variable the engine recognizes.
type Config struct {
	WorkerCount  int
	WebPort      string
	DataDir      string
	AgentAPIKey  string
	AgentBaseURL string
	AgentModel   string
	AgentCLI     string
	WorkerImage  string
	HTTPProxy    string
	HTTPSProxy   string
	NoProxy      string

	// CallbackURL is the gateway address reachable from inside a worker
	// container via the host-loopback alias.
	CallbackURL string
	// LocalRepoRoot is scanned for candidate local clones.
	LocalRepoRoot string
	// TaskTimeoutMinutes is the soft per-task execution cap.
	TaskTimeoutMinutes int
}

// Load reads .env (if present, non-fatal otherwise) then applies
// environment-variable overrides with documented defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config.load] no .env file found, using process environment only")
	}

	webPort := envString("WEB_PORT", "8420")
	return &Config{
		WorkerCount:  envInt("WORKER_COUNT", 3),
		WebPort:      webPort,
		DataDir:      envString("DATA_DIR", "./data"),
		AgentAPIKey:  envString("AGENT_API_KEY", ""),
		AgentBaseURL: envString("AGENT_BASE_URL", ""),
		AgentModel:   envString("AGENT_MODEL", ""),
		AgentCLI:     envString("AGENT_CLI", "claude"),
		WorkerImage:  envString("WORKER_IMAGE", "agentengine/worker:latest"),
		HTTPProxy:    envString("HTTP_PROXY", ""),
		HTTPSProxy:   envString("HTTPS_PROXY", ""),
		NoProxy:      envString("NO_PROXY", ""),

		CallbackURL:        envString("CALLBACK_URL", "http://host.docker.internal:"+webPort),
		LocalRepoRoot:      envString("LOCAL_REPO_ROOT", "./repos"),
		TaskTimeoutMinutes: envInt("TASK_TIMEOUT_MINUTES", 30),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[config.load] invalid int for %s=%q, using default %d", key, v, def)
	}
	return def
}

// String renders a redacted summary safe for logging.
func (c *Config) String() string {
	return "worker_count=" + strconv.Itoa(c.WorkerCount) +
		" web_port=" + c.WebPort +
		" data_dir=" + c.DataDir +
		" worker_image=" + c.WorkerImage
}
