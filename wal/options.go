package wal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options configures an Engine. Zero values are not defaults; start from
// DefaultOptions and override.
type Options struct {
	// Zone layout, only read by Format.
	ZoneCount  int `yaml:"zone_count"`
	ZoneSizeMB int `yaml:"zone_size_mb"`

	// Record and header alignment in bytes, a power of two.
	Alignment int `yaml:"alignment"`

	// "block" or "dram".
	Medium string `yaml:"medium"`

	BucketCount       int `yaml:"bucket_count"`
	MaxItemsPerBuffer int `yaml:"max_items_per_buffer"`

	// Objects a log buffer takes before it is switched (0 = space bound only).
	FlushThreshold int `yaml:"flush_threshold"`

	// Dump group batching.
	LogBatchNrObj      int           `yaml:"log_batch_nr_obj"`
	LogBatchMaxObj     int           `yaml:"log_batch_max_obj"`
	LogBatchTimeout    time.Duration `yaml:"log_batch_timeout"`
	LogBatchMinTimeout time.Duration `yaml:"log_batch_min_timeout"`
	BatchIdleReset     time.Duration `yaml:"batch_idle_reset"`

	// Switch a non-empty log that saw no insert for this long (0 = never).
	IdleFlushInterval time.Duration `yaml:"idle_flush_interval"`

	FlushBatchSize    int           `yaml:"flush_batch_size"`
	FlushRetryTimeout time.Duration `yaml:"flush_retry_timeout"`

	SyncWrites     bool `yaml:"sync_writes"`
	InplaceUpdates bool `yaml:"inplace_updates"`

	medium Medium
}

// DefaultOptions returns recommended default options.
func DefaultOptions() Options {
	return Options{
		ZoneCount:          4,
		ZoneSizeMB:         8,
		Alignment:          1024,
		Medium:             "block",
		BucketCount:        4096,
		MaxItemsPerBuffer:  1 << 20,
		FlushThreshold:     0,
		LogBatchNrObj:      16,
		LogBatchMaxObj:     256,
		LogBatchTimeout:    2 * time.Millisecond,
		LogBatchMinTimeout: 200 * time.Microsecond,
		BatchIdleReset:     50 * time.Millisecond,
		IdleFlushInterval:  5 * time.Second,
		FlushBatchSize:     512,
		FlushRetryTimeout:  30 * time.Second,
		SyncWrites:         true,
	}
}

// LoadOptions reads a YAML file over DefaultOptions and validates the result.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read options: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("options %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks option bounds and resolves the medium.
func (o *Options) Validate() error {
	if o.Alignment < 512 || o.Alignment&(o.Alignment-1) != 0 {
		return fmt.Errorf("alignment %d must be a power of two >= 512", o.Alignment)
	}
	if o.ZoneCount <= 0 || o.ZoneCount > MaxZones {
		return fmt.Errorf("zone_count %d out of range [1, %d]", o.ZoneCount, MaxZones)
	}
	if o.ZoneSizeMB < 2 || o.ZoneSizeMB%2 != 0 {
		return fmt.Errorf("zone_size_mb %d must be even and at least 2", o.ZoneSizeMB)
	}
	if o.BucketCount <= 0 {
		return fmt.Errorf("bucket_count %d must be positive", o.BucketCount)
	}
	if o.MaxItemsPerBuffer < 0 || o.FlushThreshold < 0 {
		return fmt.Errorf("max_items_per_buffer and flush_threshold must not be negative")
	}
	if o.LogBatchNrObj <= 0 || o.LogBatchMaxObj < o.LogBatchNrObj {
		return fmt.Errorf("log batch bounds %d/%d invalid", o.LogBatchNrObj, o.LogBatchMaxObj)
	}
	if o.LogBatchTimeout <= 0 || o.LogBatchMinTimeout <= 0 || o.LogBatchMinTimeout > o.LogBatchTimeout {
		return fmt.Errorf("log batch timeouts %s/%s invalid", o.LogBatchMinTimeout, o.LogBatchTimeout)
	}
	if o.FlushBatchSize <= 0 {
		return fmt.Errorf("flush_batch_size %d must be positive", o.FlushBatchSize)
	}
	if o.FlushRetryTimeout <= 0 {
		return fmt.Errorf("flush_retry_timeout must be positive")
	}
	m, err := ParseMedium(o.Medium)
	if err != nil {
		return err
	}
	o.medium = m
	return nil
}

// MediumKind returns the resolved medium; valid after Validate.
func (o *Options) MediumKind() Medium { return o.medium }

func (o *Options) bufferBytes() int64 { return int64(o.ZoneSizeMB) << 20 / 2 }
