package miniapm

import (
	"time"

	"github.com/seuros/miniapm/internal/apmtrace"
)

// Config holds every tunable setting. The zero Config is not directly
// usable; Configure applies Options over defaultConfig.
type Config struct {
	Endpoint string
	APIKey   string

	Enabled    bool
	SampleRate float64

	BatchSize          int
	FlushInterval      time.Duration
	MaxQueueSize       int
	MaxConcurrentSends int

	ServiceName    string
	Environment    string
	ServiceVersion string
	Host           string
	GitSHA         string

	IgnoredExceptions []string
	FilterParameters  []string

	// BeforeSend is invoked once per finished span before it is enqueued.
	// Returning false drops the span. A panic inside BeforeSend is caught
	// and logged; the original span is enqueued unmodified.
	BeforeSend func(*apmtrace.Span) bool
}

func defaultConfig() Config {
	return Config{
		Enabled:       true,
		SampleRate:    1.0,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		MaxQueueSize:  10000,
	}
}

// Option mutates a Config. Matches dd-trace-go's functional-options
// convention (ddtrace/tracer's StartOption / tracer.Start(opts...)).
type Option func(*Config)

func WithEndpoint(endpoint string) Option {
	return func(c *Config) { c.Endpoint = endpoint }
}

func WithAPIKey(apiKey string) Option {
	return func(c *Config) { c.APIKey = apiKey }
}

func WithEnabled(enabled bool) Option {
	return func(c *Config) { c.Enabled = enabled }
}

func WithSampleRate(rate float64) Option {
	return func(c *Config) { c.SampleRate = rate }
}

func WithBatchSize(size int) Option {
	return func(c *Config) { c.BatchSize = size }
}

func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}

func WithMaxQueueSize(size int) Option {
	return func(c *Config) { c.MaxQueueSize = size }
}

func WithMaxConcurrentSends(n int) Option {
	return func(c *Config) { c.MaxConcurrentSends = n }
}

func WithServiceName(name string) Option {
	return func(c *Config) { c.ServiceName = name }
}

func WithEnvironment(env string) Option {
	return func(c *Config) { c.Environment = env }
}

func WithServiceVersion(version string) Option {
	return func(c *Config) { c.ServiceVersion = version }
}

func WithHost(host string) Option {
	return func(c *Config) { c.Host = host }
}

func WithGitSHA(sha string) Option {
	return func(c *Config) { c.GitSHA = sha }
}

func WithIgnoredExceptions(classes ...string) Option {
	return func(c *Config) { c.IgnoredExceptions = append(c.IgnoredExceptions, classes...) }
}

func WithFilterParameters(patterns ...string) Option {
	return func(c *Config) { c.FilterParameters = append(c.FilterParameters, patterns...) }
}

func WithBeforeSend(hook func(*apmtrace.Span) bool) Option {
	return func(c *Config) { c.BeforeSend = hook }
}
