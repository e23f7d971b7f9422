package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

func TestResolveAppliesDefaultPort(t *testing.T) {
	cfg, err := Resolve(&Flags{})
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Port)
	require.NotEmpty(t, cfg.StateDir)
}

func TestResolveKeepsExplicitPort(t *testing.T) {
	cfg, err := Resolve(&Flags{Port: 9999})
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.Port)
}

func TestEnvPortOverridesDefault(t *testing.T) {
	t.Setenv(PortEnv, "4242")
	require.Equal(t, 4242, envPort())
}

func TestEnvPortIgnoresInvalidValue(t *testing.T) {
	t.Setenv(PortEnv, "not-a-number")
	require.Equal(t, DefaultPort, envPort())
}

func TestEnvOriginsSplitsAndTrims(t *testing.T) {
	t.Setenv(AllowedOriginsEnv, "example.com, other.com ,")
	require.Equal(t, []string{"example.com", "other.com"}, envOrigins())
}

func TestEnvOriginsEmptyWhenUnset(t *testing.T) {
	t.Setenv(AllowedOriginsEnv, "")
	require.Empty(t, envOrigins())
}

func TestRegisterBindsFlagDefaultsFromEnv(t *testing.T) {
	t.Setenv(PortEnv, "5555")
	cmd := &cobra.Command{Use: "test"}
	flags := Register(cmd)
	require.Equal(t, 5555, flags.Port)
}
