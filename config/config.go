package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

// Variant names accepted by the coordinator factory.
const (
	VariantTwoPL = "2pl"
	VariantSGT   = "sgt"
)

type Config struct {
	Variant  string `toml:"variant"`   // Concurrency-control variant: 2pl or sgt.
	LogLevel string `toml:"log-level"` // Log level, LOG_LEVEL overrides the default.

	Workers       int     `toml:"workers"`         // Worker sessions, at most 128.
	TableSize     uint64  `toml:"table-size"`      // Records in the bench table.
	TxnsPerWorker int     `toml:"txns-per-worker"` // Transactions each worker runs.
	OpsPerTxn     int     `toml:"ops-per-txn"`     // Data accesses per transaction.
	ReadRatio     float64 `toml:"read-ratio"`      // Fraction of accesses that read.
	Zipfian       bool    `toml:"zipfian"`         // Skewed offset choice instead of uniform.
	ZipfianTheta  float64 `toml:"zipfian-theta"`   // Skew constant, ignored unless zipfian.

	WAL WAL `toml:"wal"` // Operation log options.
}

type WAL struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		Variant:       VariantSGT,
		LogLevel:      getLogLevel(),
		Workers:       8,
		TableSize:     1 << 16,
		TxnsPerWorker: 10000,
		OpsPerTxn:     8,
		ReadRatio:     0.8,
		Zipfian:       false,
		ZipfianTheta:  0.99,
		WAL:           WAL{Enabled: false, Path: "svcc-ops.log"},
	}
}

func NewTestConfig() *Config {
	return &Config{
		Variant:       VariantSGT,
		LogLevel:      getLogLevel(),
		Workers:       4,
		TableSize:     1 << 10,
		TxnsPerWorker: 200,
		OpsPerTxn:     4,
		ReadRatio:     0.8,
		ZipfianTheta:  0.99,
	}
}

func (c *Config) Validate() error {
	if c.Variant != VariantTwoPL && c.Variant != VariantSGT {
		return errors.Errorf("unknown variant %q, want %q or %q", c.Variant, VariantTwoPL, VariantSGT)
	}
	if c.Workers <= 0 || c.Workers > 128 {
		return errors.Errorf("workers must be in 1..128, got %d", c.Workers)
	}
	if c.TableSize == 0 {
		return errors.New("table-size must be greater than 0")
	}
	if c.TxnsPerWorker <= 0 {
		return errors.New("txns-per-worker must be greater than 0")
	}
	if c.OpsPerTxn <= 0 {
		return errors.New("ops-per-txn must be greater than 0")
	}
	if c.ReadRatio < 0 || c.ReadRatio > 1 {
		return errors.Errorf("read-ratio must be in [0, 1], got %v", c.ReadRatio)
	}
	if c.Zipfian && c.ZipfianTheta <= 0 {
		return errors.Errorf("zipfian-theta must be positive, got %v", c.ZipfianTheta)
	}
	if c.WAL.Enabled && c.WAL.Path == "" {
		return errors.New("wal.path must be set when the wal is enabled")
	}
	return nil
}

// FromFile overlays the toml file at path onto c.
func (c *Config) FromFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return errors.Trace(err)
}
