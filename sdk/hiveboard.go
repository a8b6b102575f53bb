// Package hiveboard instruments autonomous agent processes for the
// HiveBoard observability backend: a process-wide batching transport
// plus Agent/Task/action primitives that emit well-shaped lifecycle
// events without ever blocking or raising to the caller.
package hiveboard

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Version is the SDK version, reported in every envelope.
const Version = "1.0.0"

// DefaultEndpoint is the compiled-in backend address, used when no
// loophive.cfg overrides it.
const DefaultEndpoint = "http://localhost:8000"

// Hive is the process-wide SDK instance: one transport plus a registry
// of Agent objects. Obtain it through Init.
type Hive struct {
	transport *Transport
	logger    *log.Logger

	projectID   string
	environment string
	group       string

	mu     sync.Mutex
	agents map[string]*Agent
}

var (
	instanceMu sync.Mutex
	instance   *Hive
)

// Option configures Init.
type Option func(*initConfig)

type initConfig struct {
	endpoint      string
	projectID     string
	environment   string
	group         string
	maxQueueSize  int
	batchSize     int
	flushInterval time.Duration
	logger        *log.Logger
}

// WithEndpoint overrides loophive.cfg endpoint resolution.
func WithEndpoint(endpoint string) Option {
	return func(c *initConfig) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithProject sets the default project for every emitted event.
func WithProject(projectID string) Option {
	return func(c *initConfig) { c.projectID = projectID }
}

// WithEnvironment tags every envelope with a deployment environment.
func WithEnvironment(env string) Option {
	return func(c *initConfig) { c.environment = env }
}

// WithGroup tags every envelope with a fleet group.
func WithGroup(group string) Option {
	return func(c *initConfig) { c.group = group }
}

// WithMaxQueueSize bounds the transport buffer (default 10000).
func WithMaxQueueSize(n int) Option {
	return func(c *initConfig) { c.maxQueueSize = n }
}

// WithBatchSize sets the max events per POST (default 100).
func WithBatchSize(n int) Option {
	return func(c *initConfig) { c.batchSize = n }
}

// WithFlushInterval sets the background flush cadence (default 2s).
func WithFlushInterval(d time.Duration) Option {
	return func(c *initConfig) { c.flushInterval = d }
}

// WithLogger replaces the SDK's internal warning logger.
func WithLogger(l *log.Logger) Option {
	return func(c *initConfig) { c.logger = l }
}

// Init creates the process-wide SDK instance. Idempotent: a second
// call returns the existing instance (with a logged warning) without
// reconfiguring anything. The API key must begin with "hb_".
func Init(apiKey string, opts ...Option) (*Hive, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		instance.logger.Printf("hiveboard: Init called twice; returning existing instance")
		return instance, nil
	}
	if !strings.HasPrefix(apiKey, "hb_") {
		return nil, fmt.Errorf("hiveboard: API key must start with %q", "hb_")
	}

	cfg := initConfig{logger: log.New(os.Stderr, "", log.LstdFlags)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.endpoint == "" {
		cfg.endpoint = resolveEndpoint()
	}

	instance = &Hive{
		transport:   newTransport(cfg.endpoint, apiKey, cfg.logger, cfg.maxQueueSize, cfg.batchSize, cfg.flushInterval),
		logger:      cfg.logger,
		projectID:   cfg.projectID,
		environment: cfg.environment,
		group:       cfg.group,
		agents:      make(map[string]*Agent),
	}
	return instance, nil
}

// Get returns the instance created by Init, or nil before Init.
func Get() *Hive {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Reset shuts down the singleton and clears it, so tests can
// re-initialise with different settings.
func Reset() {
	instanceMu.Lock()
	h := instance
	instance = nil
	instanceMu.Unlock()

	if h != nil {
		h.Shutdown(5 * time.Second)
	}
}

// Flush asks the transport to drain buffered events immediately.
func (h *Hive) Flush() { h.transport.Flush() }

// Shutdown stops every agent heartbeat, then drains and stops the
// transport, waiting up to timeout. Call from a process-exit hook.
func (h *Hive) Shutdown(timeout time.Duration) {
	h.mu.Lock()
	agents := make([]*Agent, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()

	for _, a := range agents {
		a.StopHeartbeat()
	}
	h.transport.Shutdown(timeout)
}

// resolveEndpoint looks for a loophive.cfg in the working directory,
// then under the user's home directory, and falls back to the
// compiled-in default.
func resolveEndpoint() string {
	if ep := endpointFromFile("loophive.cfg"); ep != "" {
		return ep
	}
	if home, err := os.UserHomeDir(); err == nil {
		if ep := endpointFromFile(filepath.Join(home, ".loophive", "loophive.cfg")); ep != "" {
			return ep
		}
	}
	return DefaultEndpoint
}

// endpointFromFile reads the [loophive] endpoint key from an INI file.
func endpointFromFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}
		if section != "loophive" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(strings.ToLower(key)) == "endpoint" {
			return strings.TrimRight(strings.TrimSpace(value), "/")
		}
	}
	return ""
}

// sdkRuntime describes the executing runtime for the envelope.
func sdkRuntime() string {
	return fmt.Sprintf("go/%s", strings.TrimPrefix(runtime.Version(), "go"))
}
