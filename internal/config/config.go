package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is absent.
const (
	DefaultLogLevel     = "info"
	DefaultLogFolder    = "./logs"
	DefaultMethod       = "weighted_round_robin"
	DefaultProto        = "http1"
	DefaultWeight       = 1
	DefaultHostTimeout  = 75       // seconds
	DefaultProxyTimeout = 10       // seconds
	DefaultMaxBodySize  = 10 << 20 // bytes
	DefaultRedirectCode = 301

	DefaultDebounceMS      = 500
	DefaultRewatchDelayMS  = 800
	DefaultMaxRetries      = 5
	DefaultRetryDelayMS    = 100
	DefaultPollTimeoutSecs = 1
)

// ParseError reports that the file could not be read or decoded. The watcher
// treats it as transient: editors often leave a half-written file behind.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("config %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Load reads path, decodes it as YAML for .yaml/.yml and TOML otherwise, and
// fills in defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("read config: %w", err)}
	}
	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = decodeYAML(b)
	default:
		cfg, err = decodeTOML(b)
	}
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func decodeTOML(b []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(b), &cfg)
	if err != nil {
		return nil, fmt.Errorf("toml: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		var keys []string
		for _, k := range undec {
			if underHeaders(k) {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			return nil, fmt.Errorf("toml: unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	return &cfg, nil
}

// underHeaders reports whether k lies inside a headers table, whose keys are
// consumed by Headers.UnmarshalTOML rather than by struct fields.
func underHeaders(k toml.Key) bool {
	for _, seg := range k {
		if seg == "headers" {
			return true
		}
	}
	return false
}

func decodeYAML(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		// An empty document decodes to EOF; treat it as an empty config.
		if len(bytes.TrimSpace(b)) == 0 {
			return &cfg, nil
		}
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}
	if strings.TrimSpace(c.LogFolder) == "" {
		c.LogFolder = DefaultLogFolder
	}
	w := &c.Watcher
	setInt64(&w.DebounceMS, DefaultDebounceMS)
	setInt64(&w.RewatchDelayMS, DefaultRewatchDelayMS)
	setInt64(&w.RetryDelayMS, DefaultRetryDelayMS)
	setInt64(&w.PollTimeoutSecs, DefaultPollTimeoutSecs)
	if w.MaxRetries == nil {
		n := DefaultMaxRetries
		w.MaxRetries = &n
	}

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if strings.TrimSpace(u.Method) == "" {
			u.Method = DefaultMethod
		}
		if strings.TrimSpace(u.Proto) == "" {
			u.Proto = DefaultProto
		}
		for j := range u.Server {
			if u.Server[j].Weight == nil {
				n := DefaultWeight
				u.Server[j].Weight = &n
			}
		}
	}

	for i := range c.Hosts {
		h := &c.Hosts[i]
		setInt64(&h.Timeout, DefaultHostTimeout)
		for j := range h.Route {
			r := &h.Route[j]
			setInt64(&r.ProxyTimeout, DefaultProxyTimeout)
			setInt64(&r.MaxBodySize, DefaultMaxBodySize)
			if r.RedirectTo != "" && r.RedirectCode == nil {
				n := DefaultRedirectCode
				r.RedirectCode = &n
			}
		}
	}
}

func setInt64(p **int64, def int64) {
	if *p == nil {
		v := def
		*p = &v
	}
}
