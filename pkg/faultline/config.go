// config.go holds the tracker configuration: user-supplied partial values
// merged over hard defaults, validated once, then immutable for the life
// of the Tracker.

package faultline

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthScheme selects how the transport authenticates against the
// collector endpoint.
type AuthScheme string

const (
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthScheme = "bearer"
	// AuthAPIKey sends "X-API-Key: <token>".
	AuthAPIKey AuthScheme = "apiKey"
	// AuthNone sends no auth header.
	AuthNone AuthScheme = "none"
)

// DeliveryMode selects when queued events are flushed to the collector.
type DeliveryMode string

const (
	// DeliverOnError schedules a debounced flush after each captured
	// error (and after error/fatal messages). This is the default.
	DeliverOnError DeliveryMode = "on-error"
	// DeliverInterval flushes on a fixed timer regardless of captures.
	DeliverInterval DeliveryMode = "interval"
)

// Config configures a Tracker. The zero value plus InitDefaults is a
// working local configuration; only Endpoint and APIKey are deployment
// specific. Changing configuration requires Shutdown and a new Tracker.
type Config struct {
	// Endpoint is the collector URL events are POSTed to. When empty
	// the tracker runs in dry-run mode: events are captured and queued
	// but flushes succeed without a network call.
	Endpoint string `yaml:"endpoint"`

	APIKey     string     `yaml:"api_key"`
	AuthScheme AuthScheme `yaml:"auth_scheme"`

	// PayloadKey names the JSON field wrapping the event batch in the
	// request body. Default "events".
	PayloadKey string `yaml:"payload_key"`

	Environment string `yaml:"environment"`
	Platform    string `yaml:"platform"`

	// Disabled turns capture off entirely; every capture call returns
	// the empty-string sentinel.
	Disabled bool `yaml:"disabled"`

	// SampleRate is the probability in [0,1] that a capture is kept.
	// nil means 1.0 (keep everything). Values outside [0,1] clamp.
	SampleRate *float64 `yaml:"sample_rate"`

	// IgnorePatterns are regular expressions matched against error
	// messages; a match drops the capture silently.
	IgnorePatterns []string `yaml:"ignore_patterns"`

	// Tags are "key:value" strings attached to every event.
	Tags []string `yaml:"tags"`

	// Breadcrumb ring buffer bounds.
	MaxBreadcrumbs          int           `yaml:"max_breadcrumbs"`
	BreadcrumbMaxAge        time.Duration `yaml:"-"`
	BreadcrumbSweepInterval time.Duration `yaml:"-"`
	DisableBreadcrumbs      bool          `yaml:"disable_breadcrumbs"`

	// Persisted queue bounds.
	MaxQueueSize int           `yaml:"max_queue_size"`
	MaxEventAge  time.Duration `yaml:"-"`

	// Delivery triggering.
	DeliveryMode  DeliveryMode  `yaml:"delivery_mode"`
	FlushInterval time.Duration `yaml:"-"`
	DebounceDelay time.Duration `yaml:"-"`

	// Transport retry policy.
	MaxSendAttempts int           `yaml:"max_send_attempts"`
	InitialBackoff  time.Duration `yaml:"-"`
	MaxBackoff      time.Duration `yaml:"-"`
	RequestTimeout  time.Duration `yaml:"-"`

	// Compression gzips request bodies.
	Compression bool `yaml:"compression"`

	// Sanitizer settings. SensitiveKeys extend the built-in pattern
	// set; each entry is a case-insensitive regular expression matched
	// against object keys.
	SensitiveKeys    []string `yaml:"sensitive_keys"`
	RedactionMarker  string   `yaml:"redaction_marker"`
	MaxSanitizeDepth int      `yaml:"max_sanitize_depth"`

	// Deduplication window.
	DedupWindow        time.Duration `yaml:"-"`
	DedupMaxCount      int           `yaml:"dedup_max_count"`
	DedupSweepInterval time.Duration `yaml:"-"`

	// DisableStateCapture skips polling plugin state at event build
	// time.
	DisableStateCapture bool `yaml:"disable_state_capture"`

	// DisableRuntimeContext skips the memory/goroutine/uptime snapshot
	// normally attached under the event's "app" context.
	DisableRuntimeContext bool `yaml:"disable_runtime_context"`

	// SessionTimeout is the inactivity window after which a new
	// session id is minted. Default 30 minutes.
	SessionTimeout time.Duration `yaml:"-"`

	// Storage keys for the persisted queue and the session record.
	QueueStorageKey   string `yaml:"queue_storage_key"`
	SessionStorageKey string `yaml:"session_storage_key"`

	// UserIDFunc resolves a user id when none was set via SetUser.
	UserIDFunc func() string `yaml:"-"`

	// FingerprintFunc, when set, replaces the built-in fingerprint
	// procedure entirely.
	FingerprintFunc func(err error, event *ErrorEvent) string `yaml:"-"`

	// OnDeliveryError is invoked with the final error after a flush
	// gives up on a batch. Optional.
	OnDeliveryError func(error) `yaml:"-"`
}

// InitDefaults fills zero-valued fields with the documented defaults.
func (cfg *Config) InitDefaults() {
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = AuthBearer
	}
	if cfg.PayloadKey == "" {
		cfg.PayloadKey = "events"
	}
	if cfg.Environment == "" {
		cfg.Environment = "production"
	}
	if cfg.Platform == "" {
		cfg.Platform = "go"
	}
	if cfg.MaxBreadcrumbs == 0 {
		cfg.MaxBreadcrumbs = 50
	}
	if cfg.BreadcrumbMaxAge == 0 {
		cfg.BreadcrumbMaxAge = 5 * time.Minute
	}
	if cfg.BreadcrumbSweepInterval == 0 {
		cfg.BreadcrumbSweepInterval = 30 * time.Second
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 50
	}
	if cfg.MaxEventAge == 0 {
		cfg.MaxEventAge = 7 * 24 * time.Hour
	}
	if cfg.DeliveryMode == "" {
		cfg.DeliveryMode = DeliverOnError
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.DebounceDelay == 0 {
		cfg.DebounceDelay = 100 * time.Millisecond
	}
	if cfg.MaxSendAttempts == 0 {
		cfg.MaxSendAttempts = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RedactionMarker == "" {
		cfg.RedactionMarker = redactedMarker
	}
	if cfg.MaxSanitizeDepth == 0 {
		cfg.MaxSanitizeDepth = 10
	}
	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = time.Minute
	}
	if cfg.DedupMaxCount == 0 {
		cfg.DedupMaxCount = 5
	}
	if cfg.DedupSweepInterval == 0 {
		cfg.DedupSweepInterval = time.Minute
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.QueueStorageKey == "" {
		cfg.QueueStorageKey = "faultline.queue"
	}
	if cfg.SessionStorageKey == "" {
		cfg.SessionStorageKey = "faultline.session"
	}
}

// Validate checks the fields that cannot be defaulted into shape. It
// clamps where lenient handling is safe and rejects only structural
// problems.
func (cfg *Config) Validate() error {
	switch cfg.AuthScheme {
	case AuthBearer, AuthAPIKey, AuthNone:
	default:
		return fmt.Errorf("config: unknown auth scheme %q", cfg.AuthScheme)
	}
	switch cfg.DeliveryMode {
	case DeliverOnError, DeliverInterval:
	default:
		return fmt.Errorf("config: unknown delivery mode %q", cfg.DeliveryMode)
	}
	if cfg.SampleRate != nil {
		if *cfg.SampleRate < 0 {
			*cfg.SampleRate = 0
		}
		if *cfg.SampleRate > 1 {
			*cfg.SampleRate = 1
		}
	}
	for _, p := range cfg.IgnorePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("config: ignore pattern %q: %w", p, err)
		}
	}
	for _, p := range cfg.SensitiveKeys {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			return fmt.Errorf("config: sensitive key pattern %q: %w", p, err)
		}
	}
	if cfg.MaxQueueSize < 0 || cfg.MaxBreadcrumbs < 0 || cfg.MaxSendAttempts < 0 {
		return fmt.Errorf("config: negative size or attempt bound")
	}
	return nil
}

// sampleRate returns the effective sampling probability.
func (cfg *Config) sampleRate() float64 {
	if cfg.SampleRate == nil {
		return 1
	}
	return *cfg.SampleRate
}

// fileConfig mirrors Config for YAML loading, with durations expressed
// as strings ("10s", "5m") the way humans write them.
type fileConfig struct {
	Config             `yaml:",inline"`
	BreadcrumbMaxAge   string `yaml:"breadcrumb_max_age"`
	BreadcrumbSweep    string `yaml:"breadcrumb_sweep_interval"`
	MaxEventAge        string `yaml:"max_event_age"`
	FlushInterval      string `yaml:"flush_interval"`
	DebounceDelay      string `yaml:"debounce_delay"`
	InitialBackoff     string `yaml:"initial_backoff"`
	MaxBackoff         string `yaml:"max_backoff"`
	RequestTimeout     string `yaml:"request_timeout"`
	DedupWindow        string `yaml:"dedup_window"`
	DedupSweepInterval string `yaml:"dedup_sweep_interval"`
	SessionTimeout     string `yaml:"session_timeout"`
}

// LoadConfig reads a YAML configuration file and returns the parsed
// Config with defaults applied and validated.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg := fc.Config
	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.BreadcrumbMaxAge, "breadcrumb_max_age", &cfg.BreadcrumbMaxAge},
		{fc.BreadcrumbSweep, "breadcrumb_sweep_interval", &cfg.BreadcrumbSweepInterval},
		{fc.MaxEventAge, "max_event_age", &cfg.MaxEventAge},
		{fc.FlushInterval, "flush_interval", &cfg.FlushInterval},
		{fc.DebounceDelay, "debounce_delay", &cfg.DebounceDelay},
		{fc.InitialBackoff, "initial_backoff", &cfg.InitialBackoff},
		{fc.MaxBackoff, "max_backoff", &cfg.MaxBackoff},
		{fc.RequestTimeout, "request_timeout", &cfg.RequestTimeout},
		{fc.DedupWindow, "dedup_window", &cfg.DedupWindow},
		{fc.DedupSweepInterval, "dedup_sweep_interval", &cfg.DedupSweepInterval},
		{fc.SessionTimeout, "session_timeout", &cfg.SessionTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
