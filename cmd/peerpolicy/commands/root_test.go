package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/peerpolicy/config"
	"github.com/tendermint/peerpolicy/libs/log"
)

// clearConfig clears env vars and resets viper.
func clearConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	for _, k := range []string{"PPHOME", "PP_HOME", "PPLOG_LEVEL", "PP_LOG_LEVEL"} {
		// Setenv restores the old value when the test ends.
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}

	viper.Reset()
	conf := config.DefaultConfig()
	conf.SetRoot(dir)
	return conf
}

// prepare new rootCmd
func testRootCmd(conf *config.Config) *cobra.Command {
	cmd := RootCommand(conf, log.NewNopLogger())
	cmd.AddCommand(&cobra.Command{
		Use:  "noop",
		RunE: func(*cobra.Command, []string) error { return nil },
	})
	return cmd
}

// runCommand executes cmd with args and returns what it wrote to its output.
func runCommand(ctx context.Context, cmd *cobra.Command, args ...string) (string, error) {
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRootHome(t *testing.T) {
	defaultRoot := t.TempDir()
	newRoot := filepath.Join(defaultRoot, "something-else")
	cases := map[string]struct {
		args []string
		env  map[string]string
		root string
	}{
		"flag":       {[]string{"--home", newRoot}, nil, newRoot},
		"env":        {nil, map[string]string{"PP_HOME": newRoot}, newRoot},
		"flag first": {[]string{"--home", defaultRoot}, map[string]string{"PP_HOME": newRoot}, defaultRoot},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			conf := clearConfig(t, defaultRoot)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := runCommand(ctx, testRootCmd(conf), append([]string{"noop"}, tc.args...)...)
			require.NoError(t, err)

			require.Equal(t, tc.root, conf.RootDir)
			require.Equal(t, tc.root, conf.PeerList.RootDir)
			require.DirExists(t, filepath.Join(tc.root, "config"))
			require.DirExists(t, filepath.Join(tc.root, "data"))
		})
	}
}

func TestRootFlagsEnv(t *testing.T) {
	defaults := config.DefaultConfig()
	defaultDir := t.TempDir()

	cases := map[string]struct {
		args     []string
		env      map[string]string
		logLevel string
	}{
		"default":  {nil, nil, defaults.LogLevel},
		"flag":     {[]string{"--log-level", "debug"}, nil, "debug"},
		"env":      {nil, map[string]string{"PP_LOG_LEVEL": "error"}, "error"},
		"flag+env": {[]string{"--log-level", "debug"}, map[string]string{"PP_LOG_LEVEL": "error"}, "debug"},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			conf := clearConfig(t, defaultDir)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			args := append([]string{"noop", "--home", defaultDir}, tc.args...)
			_, err := runCommand(ctx, testRootCmd(conf), args...)
			require.NoError(t, err)

			assert.Equal(t, tc.logLevel, conf.LogLevel)
		})
	}
}

func TestRootConfig(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// non-default values, including one in a section
	const configFile = `log-level = "debug"

[engine]
tick-interval = "250ms"
`

	cases := map[string]struct {
		args   []string
		logLvl string
	}{
		"config file":    {nil, "debug"},
		"flag overrides": {[]string{"--log-level=info"}, "info"},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			conf := clearConfig(t, root)

			config.EnsureRoot(root)
			require.NoError(t, os.WriteFile(config.ConfigFile(root), []byte(configFile), 0600))

			args := append([]string{"noop", "--home", root}, tc.args...)
			_, err := runCommand(ctx, testRootCmd(conf), args...)
			require.NoError(t, err)

			require.Equal(t, tc.logLvl, conf.LogLevel)
			require.Equal(t, 250*time.Millisecond, conf.Engine.TickInterval)
			// Values missing from the file keep their defaults.
			require.Equal(t, config.DefaultEngineConfig().DialBurst, conf.Engine.DialBurst)
		})
	}
}

func TestRootInvalidConfig(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	config.EnsureRoot(root)
	require.NoError(t, os.WriteFile(config.ConfigFile(root), []byte("[engine]\ndial-burst = -1\n"), 0600))

	_, err := runCommand(context.Background(), testRootCmd(conf), "noop", "--home", root)
	require.Error(t, err)
	require.Contains(t, err.Error(), "[engine]")
}

func TestVersionSkipsConfig(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	config.EnsureRoot(root)
	require.NoError(t, os.WriteFile(config.ConfigFile(root), []byte("log-format = \"xml\"\n"), 0600))

	cmd := testRootCmd(conf)
	cmd.AddCommand(VersionCmd)
	out, err := runCommand(context.Background(), cmd, "version", "--home", root)
	require.NoError(t, err)
	require.NotEmpty(t, out)
}
