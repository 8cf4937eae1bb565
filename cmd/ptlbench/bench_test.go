package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func benchConfig(op, ack string) *Config {
	return &Config{
		Op:          op,
		Size:        64,
		Iterations:  20,
		Workers:     2,
		Ack:         ack,
		InlineLimit: 1024,
	}
}

func TestRunModes(t *testing.T) {
	cases := []struct {
		name string
		cfg  *Config
	}{
		{"put_full", benchConfig("put", "full")},
		{"put_ct", benchConfig("put", "ct")},
		{"put_none", benchConfig("put", "none")},
		{"get", benchConfig("get", "full")},
		{"atomic", benchConfig("atomic", "full")},
		{"put_rdma", func() *Config {
			c := benchConfig("put", "full")
			c.Size = 4096
			return c
		}()},
		{"logical", func() *Config {
			c := benchConfig("put", "full")
			c.Logical = true
			return c
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := run(context.Background(), tc.cfg, zap.NewNop().Sugar())
			require.NoError(t, err)
			require.Len(t, res.latencies, tc.cfg.Workers*tc.cfg.Iterations)
			require.Equal(t, uint64(tc.cfg.Workers*tc.cfg.Iterations), res.received)
			require.LessOrEqual(t, res.percentile(0.5), res.percentile(1))
		})
	}
}

func TestRunWithMetrics(t *testing.T) {
	cfg := benchConfig("put", "full")
	cfg.Metrics = true
	res, err := run(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NotEmpty(t, res.counters)

	var out bytes.Buffer
	res.print(&out)
	require.Contains(t, out.String(), "op=put size=64 workers=2")
	require.Contains(t, out.String(), "ptlbench_")
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("op: get\nsize: 128\nworkers: 3\n"), 0o600))
	t.Setenv("PTLBENCH_SIZE", "256")

	cfg, err := loadConfig(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, "get", cfg.Op)
	require.Equal(t, 256, cfg.Size)
	require.Equal(t, 3, cfg.Workers)
	require.Equal(t, 1000, cfg.Iterations)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("PTLBENCH_OP", "atomic")
	t.Setenv("PTLBENCH_SIZE", "12")
	_, err := loadConfig(viper.New(), "")
	require.ErrorContains(t, err, "multiple of 8")

	t.Setenv("PTLBENCH_OP", "scatter")
	_, err = loadConfig(viper.New(), "")
	require.ErrorContains(t, err, "unknown op")
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--op", "put", "--ack", "ct", "-n", "10", "-w", "1", "--size", "32"})
	require.NoError(t, cmd.Execute())
	require.True(t, strings.HasPrefix(out.String(), "op=put size=32 workers=1 ack=ct"))
}
