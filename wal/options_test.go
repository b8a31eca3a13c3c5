package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.yaml")
	cfg := `
zone_count: 2
zone_size_mb: 16
medium: dram
log_batch_timeout: 5ms
idle_flush_interval: 1s
inplace_updates: true
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, 2, opts.ZoneCount)
	require.Equal(t, 16, opts.ZoneSizeMB)
	require.Equal(t, MediumDRAM, opts.MediumKind())
	require.Equal(t, 5*time.Millisecond, opts.LogBatchTimeout)
	require.Equal(t, time.Second, opts.IdleFlushInterval)
	require.True(t, opts.InplaceUpdates)
	// untouched fields keep their defaults
	require.Equal(t, DefaultOptions().Alignment, opts.Alignment)
	require.Equal(t, int64(8<<20), opts.bufferBytes())
}

func TestLoadOptionsErrors(t *testing.T) {
	_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alignment: 1000\n"), 0o644))
	_, err = LoadOptions(path)
	require.ErrorContains(t, err, "alignment")
}

func TestOptionsValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Options){
		"odd zone size":    func(o *Options) { o.ZoneSizeMB = 3 },
		"no zones":         func(o *Options) { o.ZoneCount = 0 },
		"batch bounds":     func(o *Options) { o.LogBatchMaxObj = o.LogBatchNrObj - 1 },
		"timeout bounds":   func(o *Options) { o.LogBatchMinTimeout = o.LogBatchTimeout * 2 },
		"unknown medium":   func(o *Options) { o.Medium = "tape" },
		"flush batch size": func(o *Options) { o.FlushBatchSize = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			o := DefaultOptions()
			mutate(&o)
			require.Error(t, o.Validate())
		})
	}
	o := DefaultOptions()
	require.NoError(t, o.Validate())
	require.Equal(t, MediumBlock, o.MediumKind())
}
