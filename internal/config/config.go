// Package config resolves runtime configuration from environment
// variables and CLI flags, following the env-var-prefixed-with-override
// pattern the teacher uses for its own state directory resolution
// (internal/state/paths.go's GASOLINE_STATE_DIR) and its flag registration
// style (cmd/dev-console/config.go's registerFlags), rebuilt on cobra.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// Environment variable names, namespaced the way the teacher namespaces
// its own (GASOLINE_STATE_DIR, GASOLINE_API_KEY).
const (
	PortEnv           = "ACT_PORT"
	AllowedOriginsEnv = "ACT_ALLOWED_ORIGINS"
)

// DefaultPort is used when neither the flag nor the environment variable
// is set.
const DefaultPort = 3695

// Config holds the fully resolved runtime configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
	StateDir       string
	Check          bool
}

// Flags binds cobra flags to their destinations, to be read after
// cmd.Execute (or ParseFlags in tests) has run.
type Flags struct {
	Port           int
	AllowedOrigins []string
	StateDir       string
	Check          bool
}

// Register attaches the bridge's flags to cmd and returns the
// destinations they'll be parsed into. Flag defaults fall back to the
// environment, then to DefaultPort, so "flag beats env beats default"
// holds without extra plumbing at call sites.
func Register(cmd *cobra.Command) *Flags {
	f := &Flags{}
	cmd.Flags().IntVar(&f.Port, "port", envPort(), "port to listen on (loopback only)")
	cmd.Flags().StringSliceVar(&f.AllowedOrigins, "allowed-origin", envOrigins(), "additional allowed navigation origin (repeatable)")
	cmd.Flags().StringVar(&f.StateDir, "state-dir", "", "directory for the audit log and baseline store (default: <cwd>/.agent-chrome-test)")
	cmd.Flags().BoolVar(&f.Check, "check", false, "run startup diagnostics and exit without starting the bridge")
	return f
}

// Resolve turns parsed Flags into a Config, applying the default port
// and deriving the state directory from the current working directory
// when unset.
func Resolve(f *Flags) (Config, error) {
	cfg := Config{
		Port:           f.Port,
		AllowedOrigins: f.AllowedOrigins,
		StateDir:       f.StateDir,
		Check:          f.Check,
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.StateDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = cwd + string(os.PathSeparator) + ".agent-chrome-test"
	}
	return cfg, nil
}

func envPort() int {
	raw := strings.TrimSpace(os.Getenv(PortEnv))
	if raw == "" {
		return DefaultPort
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return DefaultPort
	}
	return v
}

func envOrigins() []string {
	raw := strings.TrimSpace(os.Getenv(AllowedOriginsEnv))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
