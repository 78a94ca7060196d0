package config

import (
	"log"
	"os"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr         string   `envconfig:"LISTEN_ADDR" default:":8081"`
	DatabasePath       string   `envconfig:"DATABASE_PATH" default:"./data/geminigate.db"`
	AuthToken          string   `envconfig:"AUTH_TOKEN" default:""`
	AdminSecret        string   `envconfig:"ADMIN_SECRET" default:""`
	Keys               string   `envconfig:"KEYS" default:""`
	KeySource          string   `envconfig:"KEY_SOURCE" default:""`
	OAuthCreds         string   `envconfig:"OAUTH_CREDS" default:""`
	FallbackEnabled    string   `envconfig:"FALLBACK_ENABLED" default:"true"`
	CooldownSeconds    int      `envconfig:"COOLDOWN_SECONDS" default:"3600"`
	ErrorThreshold     int      `envconfig:"ERROR_THRESHOLD" default:"3"`
	UsageRetentionDays int      `envconfig:"USAGE_RETENTION_DAYS" default:"7"`
	UpstreamURL        string   `envconfig:"UPSTREAM_URL" default:"https://generativelanguage.googleapis.com"`
	Models             []string `envconfig:"MODELS" default:"gemini-2.5-pro,gemini-2.5-flash,gemini-2.5-flash-lite"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("GEMINIGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// FallbackDisabled reports whether tier fallback was explicitly turned off.
// The flag is a string ("true"/"false") to match the legacy deployment
// convention; anything other than "false" keeps fallback on.
func (s Settings) FallbackDisabled() bool {
	return strings.EqualFold(strings.TrimSpace(s.FallbackEnabled), "false")
}

// ConfiguredKeys merges the comma-separated key list with the enumerable
// GEMINI_API_KEY_* environment variables. envconfig cannot enumerate a
// prefix, so those are scanned by hand. Numbered variables are sorted by
// name so the working set is stable across restarts.
func (s Settings) ConfiguredKeys() []string {
	var keys []string
	for _, k := range strings.Split(s.Keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	var named []string
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "GEMINI_API_KEY_") {
			continue
		}
		if strings.TrimSpace(value) != "" {
			named = append(named, name)
		}
	}
	sort.Strings(named)
	for _, name := range named {
		keys = append(keys, strings.TrimSpace(os.Getenv(name)))
	}
	return keys
}
