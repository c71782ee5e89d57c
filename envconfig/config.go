// Package envconfig reads runtime configuration from SKEIN_* environment
// variables. Every accessor re-reads the environment so tests can override
// values with t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/skein-ai/skein/logutil"
)

// Host returns the scheme and host:port the HTTP adapter binds to, as
// configured by SKEIN_HOST.
func Host() *url.URL {
	defaultPort := "11535"

	s := strings.TrimSpace(Var("SKEIN_HOST"))
	scheme, hostport, ok := strings.Cut(s, "://")
	switch {
	case !ok:
		scheme, hostport = "http", s
	case scheme == "http":
		defaultPort = "80"
	case scheme == "https":
		defaultPort = "443"
	}

	hostport, path, _ := strings.Cut(hostport, "/")
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = "127.0.0.1", defaultPort
		if ip := net.ParseIP(strings.Trim(hostport, "[]")); ip != nil {
			host = ip.String()
		} else if hostport != "" {
			host = hostport
		}
	}

	if n, err := strconv.ParseInt(port, 10, 32); err != nil || n > 65535 || n < 0 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}

	return &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, port),
		Path:   path,
	}
}

// AllowedOrigins returns the origins allowed to reach the HTTP adapter,
// merging SKEIN_ORIGINS with the loopback defaults.
func AllowedOrigins() (origins []string) {
	if s := Var("SKEIN_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}

	return origins
}

// Bool returns a function that reports whether key is set to a truthy value.
// An unparsable non-empty value counts as set.
func Bool(key string) func() bool {
	return func() bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// Uint returns a function reading key as an unsigned integer with a default.
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// Debug enables debug logging, SKEIN_DEBUG.
	Debug = Bool("SKEIN_DEBUG")
	// Trace enables trace logging, SKEIN_TRACE. Implies Debug.
	Trace = Bool("SKEIN_TRACE")
	// Parallel is the number of slots, SKEIN_NUM_PARALLEL.
	Parallel = Uint("SKEIN_NUM_PARALLEL", 4)
	// BatchSize is the max tokens per evaluation batch, SKEIN_BATCH_SIZE.
	BatchSize = Uint("SKEIN_BATCH_SIZE", 512)
	// KvSize is the total context cells shared by all slots, SKEIN_KV_SIZE.
	KvSize = Uint("SKEIN_KV_SIZE", 8192)
	// NoDefer disables queueing of inference tasks when no slot is free,
	// SKEIN_NODEFER. Callers then receive an unavailable error instead.
	NoDefer = Bool("SKEIN_NODEFER")
)

func LogLevel() slog.Level {
	level := slog.LevelInfo
	if Debug() {
		level = slog.LevelDebug
	}
	if Trace() {
		level = logutil.LevelTrace
	}
	return level
}

// Var strips quotes and spaces from an environment variable value.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
