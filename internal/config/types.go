package config

// Config is the decoded configuration file. Values are raw: semantic validation
// happens when a routing generation is built from it.
type Config struct {
	LogLevel      string        `toml:"log_level" yaml:"log_level"`
	LogFolder     string        `toml:"log_folder" yaml:"log_folder"`
	MetricsListen string        `toml:"metrics_listen" yaml:"metrics_listen"` // optional
	Watcher       WatcherConfig `toml:"watcher" yaml:"watcher"`
	Upstreams     []Upstream    `toml:"upstream" yaml:"upstream"`
	Hosts         []Host        `toml:"host" yaml:"host"`
}

// WatcherConfig tunes the hot-reload loop. Nil fields take defaults.
type WatcherConfig struct {
	DebounceMS      *int64 `toml:"debounce_ms" yaml:"debounce_ms"`
	RewatchDelayMS  *int64 `toml:"rewatch_delay_ms" yaml:"rewatch_delay_ms"`
	MaxRetries      *int   `toml:"max_retries" yaml:"max_retries"`
	RetryDelayMS    *int64 `toml:"retry_delay_ms" yaml:"retry_delay_ms"`
	PollTimeoutSecs *int64 `toml:"poll_timeout_secs" yaml:"poll_timeout_secs"`
}

type Upstream struct {
	Name   string           `toml:"name" yaml:"name"`
	Method string           `toml:"method" yaml:"method"`
	Proto  string           `toml:"proto" yaml:"proto"`
	Server []UpstreamServer `toml:"server" yaml:"server"`
}

type UpstreamServer struct {
	Server string `toml:"server" yaml:"server"` // "host:port" | "http(s)://host:port[/prefix]"
	Weight *int   `toml:"weight" yaml:"weight"`
}

type Host struct {
	IP             string  `toml:"ip" yaml:"ip"`
	Port           int     `toml:"port" yaml:"port"`
	ServerName     string  `toml:"server_name" yaml:"server_name"`
	Timeout        *int64  `toml:"timeout" yaml:"timeout"` // seconds
	SSL            bool    `toml:"ssl" yaml:"ssl"`
	Certificate    string  `toml:"certificate" yaml:"certificate"`
	CertificateKey string  `toml:"certificate_key" yaml:"certificate_key"`
	Headers        Headers `toml:"headers" yaml:"headers"`
	Route          []Route `toml:"route" yaml:"route"`
}

type Route struct {
	Location string `toml:"location" yaml:"location"`

	// static
	Root      string   `toml:"root" yaml:"root"`
	Index     []string `toml:"index" yaml:"index"`
	AutoIndex bool     `toml:"auto_index" yaml:"auto_index"`

	// reverse proxy
	ProxyPass    string `toml:"proxy_pass" yaml:"proxy_pass"`
	Upstream     string `toml:"upstream" yaml:"upstream"`
	ProxyTimeout *int64 `toml:"proxy_timeout" yaml:"proxy_timeout"` // seconds
	MaxBodySize  *int64 `toml:"max_body_size" yaml:"max_body_size"` // bytes
	PreserveHost bool   `toml:"preserve_host" yaml:"preserve_host"`
	HostRewrite  string `toml:"host_rewrite" yaml:"host_rewrite"`

	// forward proxy
	ForwardProxy bool `toml:"forward_proxy" yaml:"forward_proxy"`

	// redirect
	RedirectTo   string `toml:"redirect_to" yaml:"redirect_to"`
	RedirectCode *int   `toml:"redirect_code" yaml:"redirect_code"`

	// script
	LuaScript    string `toml:"lua_script" yaml:"lua_script"`
	LuaCodeCache bool   `toml:"lua_code_cache" yaml:"lua_code_cache"`

	ErrorPage    *Page      `toml:"error_page" yaml:"error_page"`
	NotFoundPage *Page      `toml:"not_found_page" yaml:"not_found_page"`
	Headers      Headers    `toml:"headers" yaml:"headers"`
	RateLimit    *RateLimit `toml:"rate_limit" yaml:"rate_limit"`
}

type Page struct {
	Status int    `toml:"status" yaml:"status"`
	Page   string `toml:"page" yaml:"page"`
}

type RateLimit struct {
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `toml:"burst" yaml:"burst"`
}
