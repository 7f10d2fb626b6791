// Package config loads service tuning from tuning.yaml and overlays
// deploy-time settings from WP_* environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Tuning struct {
	Authority  Authority  `yaml:"authority"`
	Ingest     Ingest     `yaml:"ingest"`
	Index      Index      `yaml:"index"`
	Store      Store      `yaml:"store"`
	Affordance Affordance `yaml:"affordance"`
	Broker     Broker     `yaml:"broker"`
	Blob       Blob       `yaml:"blob"`
}

type Authority struct {
	LeaseTTLSeconds   int `yaml:"lease_ttl_seconds"`
	GraceSeconds      int `yaml:"grace_seconds"`
	SweepEveryMS      int `yaml:"sweep_every_ms"`
	OpTimeoutMS       int `yaml:"op_timeout_ms"`
	MaxTransferQueued int `yaml:"max_transfer_queued"`
}

type Ingest struct {
	QueueSize      int    `yaml:"queue_size"`
	Workers        int    `yaml:"workers"`
	OverflowPolicy string `yaml:"overflow_policy"` // block | drop_oldest | reject_new
	PublishRateHz  int    `yaml:"publish_rate_hz"` // per-channel sync publish limit, 0 disables
	PublishBurst   int    `yaml:"publish_burst"`
}

type Index struct {
	DefaultCellSize float64            `yaml:"default_cell_size"`
	CellSizes       map[string]float64 `yaml:"cell_sizes"` // per-kind override
}

type Store struct {
	TombstoneRetentionSeconds int            `yaml:"tombstone_retention_seconds"`
	SweepEverySeconds         int            `yaml:"sweep_every_seconds"`
	EphemeralKinds            map[string]int `yaml:"ephemeral_kinds"` // kind -> ttl seconds
}

type Affordance struct {
	ScoreMode          string `yaml:"score_mode"` // gate_only | contribute
	DefaultMaxResults  int    `yaml:"default_max_results"`
	DefaultMaxAge      int    `yaml:"default_max_age_seconds"`
	FreshDeadlineMS    int    `yaml:"fresh_deadline_ms"`
	CacheMaxEntries    int    `yaml:"cache_max_entries"`
	RefreshQueueSize   int    `yaml:"refresh_queue_size"`
	RefreshWorkers     int    `yaml:"refresh_workers"`
	MaxGridCandidates  int    `yaml:"max_grid_candidates"`
	CatalogReloadDelay int    `yaml:"catalog_reload_delay_ms"`
}

type Broker struct {
	SubscriberQueue int `yaml:"subscriber_queue"`
	FanoutWorkers   int `yaml:"fanout_workers"`
	FanoutQueue     int `yaml:"fanout_queue"`
}

type Blob struct {
	InlineThreshold int `yaml:"inline_threshold_bytes"`
}

// Env is the deploy-time overlay: listen addresses, data paths and the
// optional S3-compatible blob mirror. Everything here has a sane local
// default so the binary runs with no environment at all.
type Env struct {
	Addr      string `env:"WP_ADDR" envDefault:":8080"`
	DataDir   string `env:"WP_DATA_DIR" envDefault:"./data"`
	ConfigDir string `env:"WP_CONFIG_DIR" envDefault:"./configs"`

	MirrorEndpoint  string `env:"WP_MIRROR_ENDPOINT"`
	MirrorBucket    string `env:"WP_MIRROR_BUCKET"`
	MirrorRegion    string `env:"WP_MIRROR_REGION" envDefault:"auto"`
	MirrorAccessKey string `env:"WP_MIRROR_ACCESS_KEY"`
	MirrorSecretKey string `env:"WP_MIRROR_SECRET_KEY"`
	MirrorPrefix    string `env:"WP_MIRROR_PREFIX"`
}

func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return e, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

func (e Env) MirrorEnabled() bool {
	return e.MirrorEndpoint != "" && e.MirrorBucket != "" && e.MirrorAccessKey != "" && e.MirrorSecretKey != ""
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func Defaults() Tuning {
	return Tuning{
		Authority: Authority{
			LeaseTTLSeconds:   60,
			GraceSeconds:      30,
			SweepEveryMS:      500,
			OpTimeoutMS:       2000,
			MaxTransferQueued: 16,
		},
		Ingest: Ingest{
			QueueSize:      4096,
			Workers:        4,
			OverflowPolicy: "drop_oldest",
			PublishRateHz:  0,
			PublishBurst:   32,
		},
		Index: Index{
			DefaultCellSize: 32,
		},
		Store: Store{
			TombstoneRetentionSeconds: 300,
			SweepEverySeconds:         30,
		},
		Affordance: Affordance{
			ScoreMode:          "gate_only",
			DefaultMaxResults:  20,
			DefaultMaxAge:      30,
			FreshDeadlineMS:    2000,
			CacheMaxEntries:    4096,
			RefreshQueueSize:   256,
			RefreshWorkers:     2,
			MaxGridCandidates:  4096,
			CatalogReloadDelay: 250,
		},
		Broker: Broker{
			SubscriberQueue: 256,
			FanoutWorkers:   4,
			FanoutQueue:     8192,
		},
		Blob: Blob{
			InlineThreshold: 32 * 1024,
		},
	}
}
