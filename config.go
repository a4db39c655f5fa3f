package multimcp

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport modes for the client-facing side of the proxy. Exactly one is
// active per process.
const (
	// TransportStdio serves a single client over the proxy's own
	// stdin/stdout. The proxy shuts down when the client closes the pipe.
	TransportStdio = "stdio"

	// TransportSSE serves any number of clients over HTTP with an SSE
	// event stream per client.
	TransportSSE = "sse"
)

// Backend names become namespace prefixes; keep them to a charset that is
// safe inside exposed capability names.
var backendNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Config is the complete proxy configuration.
type Config struct {
	Proxy    *ProxyConfig   `json:"proxy" yaml:"proxy"`
	Backends []*BackendSpec `json:"backends" yaml:"backends"`
}

// ProxyConfig holds the client-facing server settings and global tunables.
type ProxyConfig struct {
	// Name and Version identify the proxy to MCP clients.
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`

	// Transport selects the client-facing mode: "stdio" or "sse".
	Transport string `json:"transport" yaml:"transport"`

	// Addr and BaseURL only apply in SSE mode.
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// CallTimeout bounds every forwarded tool/resource/prompt call.
	CallTimeout Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`

	// ListTimeout bounds each backend's capability listing during
	// aggregation. A backend that blows this budget is skipped; the
	// others still aggregate.
	ListTimeout Duration `json:"list_timeout,omitempty" yaml:"list_timeout,omitempty"`

	// StartTimeout bounds a single backend start/handshake attempt.
	StartTimeout Duration `json:"start_timeout,omitempty" yaml:"start_timeout,omitempty"`

	// PingInterval is how often the supervisor probes Ready backends.
	PingInterval Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`

	// MaxRestarts caps consecutive restart attempts per backend before
	// the supervisor gives up and marks it Stopped.
	MaxRestarts int `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`

	// BackoffBase and BackoffCap shape the exponential restart backoff.
	BackoffBase Duration `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`
	BackoffCap  Duration `json:"backoff_cap,omitempty" yaml:"backoff_cap,omitempty"`
}

// BackendSpec declares one upstream MCP server. Exactly one of Command or
// URL must be set.
type BackendSpec struct {
	// Name is the unique backend identity, used as the namespace prefix
	// for every capability it advertises.
	Name string `json:"name" yaml:"name"`

	// Command, Args and Env describe a local process backend spoken to
	// over stdio.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// EnvFile is an optional dotenv file loaded beneath Env: inline keys
	// win on conflict.
	EnvFile string `json:"env_file,omitempty" yaml:"env_file,omitempty"`

	// URL is the SSE endpoint of a remote backend.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// fileEnv holds the loaded EnvFile contents.
	fileEnv map[string]string
}

// Remote reports whether this backend is reached over HTTP/SSE rather than
// a spawned process.
func (s *BackendSpec) Remote() bool {
	return s.URL != ""
}

// Environ returns the backend-specific environment as KEY=VALUE pairs,
// dotenv file entries first so inline env keys take precedence. The pairs
// are appended to the ambient process environment at spawn time, so they
// also win over ambient keys.
func (s *BackendSpec) Environ() []string {
	merged := make(map[string]string, len(s.fileEnv)+len(s.Env))
	for k, v := range s.fileEnv {
		merged[k] = v
	}
	for k, v := range s.Env {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	environ := make([]string, 0, len(keys))
	for _, k := range keys {
		environ = append(environ, k+"="+merged[k])
	}
	return environ
}

// ParseConfig reads and validates a YAML configuration file. The path is
// resolved against the current working directory before use, so relative
// paths keep working no matter where the binary itself lives.
func ParseConfig(filename string) (*Config, error) {
	path := expandPath(filename)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	cfg, err := ParseConfigFromBytes(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfigFromBytes parses and validates configuration from raw YAML.
func ParseConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	setConfigDefaults(&cfg)

	if err := validateParsedConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := postProcessParsedConfig(&cfg); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}

	return &cfg, nil
}

func setConfigDefaults(cfg *Config) {
	if cfg.Proxy == nil {
		cfg.Proxy = &ProxyConfig{}
	}
	p := cfg.Proxy
	if p.Name == "" {
		p.Name = "multi-mcp"
	}
	if p.Version == "" {
		p.Version = "1.0.0"
	}
	if p.Transport == "" {
		p.Transport = TransportStdio
	}
	if p.Addr == "" {
		p.Addr = ":8888"
	}
	if p.MaxRestarts == 0 {
		p.MaxRestarts = 5
	}
}

func validateParsedConfig(cfg *Config) error {
	p := cfg.Proxy
	if p.Transport != TransportStdio && p.Transport != TransportSSE {
		return fmt.Errorf("invalid transport '%s', must be one of: %s, %s",
			p.Transport, TransportStdio, TransportSSE)
	}

	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	seen := make(map[string]bool)
	for i, backend := range cfg.Backends {
		if err := validateBackendSpec(backend); err != nil {
			return fmt.Errorf("backend %d validation failed: %w", i, err)
		}
		if seen[backend.Name] {
			return fmt.Errorf("duplicate backend name '%s'", backend.Name)
		}
		seen[backend.Name] = true
	}

	return nil
}

func validateBackendSpec(spec *BackendSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !backendNameRe.MatchString(spec.Name) {
		return fmt.Errorf("invalid name '%s', must match %s", spec.Name, backendNameRe)
	}

	hasCommand := spec.Command != ""
	hasURL := spec.URL != ""
	switch {
	case hasCommand && hasURL:
		return fmt.Errorf("command and url are mutually exclusive")
	case !hasCommand && !hasURL:
		return fmt.Errorf("either command or url is required")
	}

	if hasURL {
		if len(spec.Args) > 0 || len(spec.Env) > 0 || spec.EnvFile != "" {
			return fmt.Errorf("args, env and env_file only apply to command backends")
		}
	}

	return nil
}

// postProcessParsedConfig expands environment variables in the spec fields
// and loads per-backend dotenv files. Everything is resolved up front so a
// bad env_file fails configuration, not a later restart.
func postProcessParsedConfig(cfg *Config) error {
	cfg.Proxy.BaseURL = os.ExpandEnv(cfg.Proxy.BaseURL)

	for _, spec := range cfg.Backends {
		spec.Command = os.ExpandEnv(spec.Command)
		spec.URL = os.ExpandEnv(spec.URL)
		for i, arg := range spec.Args {
			spec.Args[i] = os.ExpandEnv(arg)
		}
		for k, v := range spec.Env {
			spec.Env[k] = os.ExpandEnv(v)
		}

		if spec.EnvFile != "" {
			path := expandPath(spec.EnvFile)
			fileEnv, err := godotenv.Read(path)
			if err != nil {
				return fmt.Errorf("backend '%s': failed to load env_file: %w", spec.Name, err)
			}
			spec.fileEnv = fileEnv
		}
	}

	return nil
}

// expandPath expands environment variables and a leading ~ in paths.
func expandPath(path string) string {
	expanded := os.ExpandEnv(path)

	if strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, expanded[2:])
		}
	}

	return expanded
}
