package anxcache

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Cache struct {
		Name     string `yaml:"name"`
		Version  int    `yaml:"version"`
		Backend  string `yaml:"backend"`
		MaxEntry string `yaml:"maxEntry"`
		Memory   struct {
			Max string `yaml:"max"`
		} `yaml:"memory"`
		LevelDB struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`
		} `yaml:"leveldb"`
		Valkey struct {
			Address  string `yaml:"address"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"valkey"`
	} `yaml:"cache"`

	Network struct {
		Timeout           string `yaml:"timeout"`
		RevalidateTimeout string `yaml:"revalidateTimeout"`
		MaxBackground     int    `yaml:"maxBackground"`
	} `yaml:"network"`

	Rules []Rule `yaml:"rules"`

	Navigation struct {
		Strategy StrategyName `yaml:"strategy"`
		// Fallback is a cached page served to navigations that miss both
		// network and cache, e.g. "/".
		Fallback string `yaml:"fallback"`
	} `yaml:"navigation"`

	Precache struct {
		URLs        []string `yaml:"urls"`
		Concurrency int      `yaml:"concurrency"`
	} `yaml:"precache"`

	Lifecycle struct {
		SkipWaiting *bool  `yaml:"skipWaiting"`
		MessagePath string `yaml:"messagePath"`
	} `yaml:"lifecycle"`

	Warmup struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		Every        string   `yaml:"every"`
	} `yaml:"warmup"`

	Logging struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	// compiled
	timeout           time.Duration
	revalidateTimeout time.Duration
	maxEntryBytes     int64
	memoryMaxBytes    int64
	leveldbMaxBytes   int64
	warmupDelay       time.Duration
	warmupEvery       time.Duration
	statsEvery        time.Duration
}

// Rule assigns requests whose path matches to a route category. Rules with
// Bypass set make matching requests ineligible for interception.
type Rule struct {
	Match    string       `yaml:"match"`
	Route    Route        `yaml:"route"`
	Priority int          `yaml:"priority"`
	Bypass   bool         `yaml:"bypass"`
	Strategy StrategyName `yaml:"strategy"`
	// Shared marks responses that are the same for every user. Entries of
	// other rules are keyed by the credentials of the request.
	Shared bool `yaml:"shared"`

	// compiled
	matchers []pathMatcher
}

// defaultPrecacheURLs is the shell of the library UI: pages, styles, scripts
// and the images the pages render before any book is loaded.
var defaultPrecacheURLs = []string{
	"/",
	"/login",
	"/settings",

	"/static/style.css",
	"/static/reader.css",

	"/static/css/main/base.css",
	"/static/css/main/components.css",
	"/static/css/main/forms.css",
	"/static/css/main/layout.css",
	"/static/css/main/modals.css",
	"/static/css/main/navigation.css",
	"/static/css/main/pages.css",
	"/static/css/main/responsive.css",
	"/static/css/main/variables.css",
	"/static/css/main/chat_player.css",
	"/static/css/main/user_activities.css",
	"/static/css/audio_player.css",

	"/static/css/reader/base.css",
	"/static/css/reader/components.css",
	"/static/css/reader/sidebar.css",
	"/static/css/reader/toolbar.css",
	"/static/css/reader/tts.css",
	"/static/css/reader/variables.css",

	"/static/logo.svg",
	"/static/logo.png",
	"/static/images/default-cover.svg",

	"/static/js/index.js",
	"/static/js/login.js",
	"/static/js/register.js",
	"/static/js/reader.js",
	"/static/js/audio_player.js",

	"/static/js/page/utils.js",
	"/static/js/page/ui.js",
	"/static/js/page/handlers.js",
	"/static/js/page/completions.js",
	"/static/js/page/translations.js",
	"/static/js/page/chat_player.js",

	"/static/js/settings/common.js",
	"/static/js/settings/main.js",
	"/static/js/settings/tabs.js",
	"/static/js/settings/global_settings.js",
	"/static/js/settings/user_settings.js",
	"/static/js/settings/user_management.js",
	"/static/js/settings/user_activities.js",
	"/static/js/settings/invite_codes.js",
	"/static/js/settings/service_profiles.js",
	"/static/js/settings/mcp.js",
}

func defaultRules() []Rule {
	return []Rule{
		{Match: "PathPrefix(/api/)", Route: RouteAPI},
		{Match: "PathPrefix(/static/)", Route: RouteStatic, Shared: true},
		{Match: "PathPrefix(/calibre_cover/) | PathPrefix(/anx_cover/)", Route: RouteCover},
	}
}

// DefaultConfig returns a configuration with every default applied. The
// origin is left empty and must be set before Normalize succeeds.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Cache.Name == "" {
		c.Cache.Name = "anx-calibre-manager"
	}
	if c.Cache.Version == 0 {
		c.Cache.Version = 1
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.MaxEntry == "" {
		c.Cache.MaxEntry = "16MB"
	}
	if c.Cache.LevelDB.Path == "" {
		c.Cache.LevelDB.Path = "./data/leveldb"
	}
	if c.Cache.Valkey.Prefix == "" {
		c.Cache.Valkey.Prefix = "anxcache"
	}
	if c.Network.Timeout == "" {
		c.Network.Timeout = "3s"
	}
	if c.Network.RevalidateTimeout == "" {
		c.Network.RevalidateTimeout = "30s"
	}
	if c.Network.MaxBackground == 0 {
		c.Network.MaxBackground = 32
	}
	if len(c.Rules) == 0 {
		c.Rules = defaultRules()
	}
	if c.Navigation.Strategy == "" {
		c.Navigation.Strategy = StrategyNetworkFirst
	}
	if c.Precache.URLs == nil {
		c.Precache.URLs = append([]string(nil), defaultPrecacheURLs...)
	}
	if c.Precache.Concurrency == 0 {
		c.Precache.Concurrency = 8
	}
	if c.Lifecycle.SkipWaiting == nil {
		skip := true
		c.Lifecycle.SkipWaiting = &skip
	}
	if c.Lifecycle.MessagePath == "" {
		c.Lifecycle.MessagePath = "/__anxcache/message"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/__anxcache/metrics"
	}
}

// Normalize validates the configuration and compiles matchers and
// durations. It must be called before the config is handed to a worker.
func (c *Config) Normalize() error {
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	u, err := url.Parse(c.Server.Origin)
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.origin: unsupported scheme %q", u.Scheme)
	}
	if c.Cache.Version < 0 {
		return fmt.Errorf("cache.version must be positive")
	}
	switch c.Cache.Backend {
	case "memory", "leveldb", "valkey":
	default:
		return fmt.Errorf("cache.backend: unsupported backend %q", c.Cache.Backend)
	}

	if c.maxEntryBytes, err = parseBytes(c.Cache.MaxEntry); err != nil {
		return fmt.Errorf("cache.maxEntry: %w", err)
	}
	if c.memoryMaxBytes, err = parseBytes(c.Cache.Memory.Max); err != nil {
		return fmt.Errorf("cache.memory.max: %w", err)
	}
	if c.leveldbMaxBytes, err = parseBytes(c.Cache.LevelDB.Max); err != nil {
		return fmt.Errorf("cache.leveldb.max: %w", err)
	}
	if c.timeout, err = parseDuration(c.Network.Timeout); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if c.revalidateTimeout, err = parseDuration(c.Network.RevalidateTimeout); err != nil {
		return fmt.Errorf("network.revalidateTimeout: %w", err)
	}
	if c.warmupDelay, err = parseDuration(c.Warmup.InitialDelay); err != nil {
		return fmt.Errorf("warmup.initialDelay: %w", err)
	}
	if c.warmupEvery, err = parseDuration(c.Warmup.Every); err != nil {
		return fmt.Errorf("warmup.every: %w", err)
	}
	if c.statsEvery, err = parseDuration(c.Logging.StatsEvery); err != nil {
		return fmt.Errorf("logging.statsEvery: %w", err)
	}

	if !c.Navigation.Strategy.valid() {
		return fmt.Errorf("navigation.strategy: unknown strategy %q", c.Navigation.Strategy)
	}
	if c.Navigation.Fallback != "" && !strings.HasPrefix(c.Navigation.Fallback, "/") {
		return fmt.Errorf("navigation.fallback: must be a path, got %q", c.Navigation.Fallback)
	}

	for i := range c.Rules {
		r := &c.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Bypass {
			continue
		}
		switch r.Route {
		case RouteAPI, RouteStatic, RouteCover:
		default:
			return fmt.Errorf("rules[%d].route: unsupported route %q", i, r.Route)
		}
		if r.Strategy != "" && !r.Strategy.valid() {
			return fmt.Errorf("rules[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
	}
	sort.SliceStable(c.Rules, func(i, j int) bool {
		return c.Rules[i].Priority < c.Rules[j].Priority
	})

	for i, p := range c.Precache.URLs {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache.urls[%d]: must be a path, got %q", i, p)
		}
	}
	if c.Precache.Concurrency < 0 {
		return fmt.Errorf("precache.concurrency must be positive")
	}
	if !strings.HasPrefix(c.Lifecycle.MessagePath, "/") {
		return fmt.Errorf("lifecycle.messagePath: must be a path")
	}
	return nil
}

// BucketName is the version-qualified name of the current cache bucket.
func (c *Config) BucketName() string {
	return fmt.Sprintf("%s-v%d", c.Cache.Name, c.Cache.Version)
}

func (c *Config) skipWaiting() bool {
	return c.Lifecycle.SkipWaiting == nil || *c.Lifecycle.SkipWaiting
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

type pathMatcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type pathRegexpMatcher struct{ re *regexp.Regexp }

func (m pathRegexpMatcher) Match(path string) bool { return m.re.MatchString(path) }

// parseMatch compiles expressions such as
// "PathPrefix(/calibre_cover/) | PathRegexp(^/anx_cover/\d+)".
func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := splitTopLevel(expr)
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "PathPrefix(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case strings.HasPrefix(p, "PathRegexp(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathRegexp("), ")"))
			if inside == "" {
				return nil, fmt.Errorf("empty regexp")
			}
			re, err := regexp.Compile(inside)
			if err != nil {
				return nil, fmt.Errorf("invalid regexp %q: %w", inside, err)
			}
			out = append(out, pathRegexpMatcher{re: re})
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and PathRegexp(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTopLevel splits on '|' outside parentheses so regexp alternations
// stay intact.
func splitTopLevel(expr string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, expr[start:])
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// StatsEvery is the interval of the periodic stats log line; zero disables it.
func (c *Config) StatsEvery() time.Duration { return c.statsEvery }
