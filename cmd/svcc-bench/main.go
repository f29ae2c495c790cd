package main

import (
	"fmt"
	"os"

	"github.com/ngaut/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mcoredb/svcc/bench"
	"github.com/mcoredb/svcc/config"
)

var (
	configPath string
	cfg        = config.NewDefaultConfig()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "svcc-bench",
		Short: "Benchmark the transaction coordinator variants",
		RunE:  run,
	}

	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path")
	flags.StringVar(&cfg.Variant, "variant", cfg.Variant, "concurrency-control variant (2pl or sgt)")
	flags.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of worker sessions")
	flags.Uint64Var(&cfg.TableSize, "table-size", cfg.TableSize, "records in the bench table")
	flags.IntVar(&cfg.TxnsPerWorker, "txns-per-worker", cfg.TxnsPerWorker, "transactions per worker")
	flags.IntVar(&cfg.OpsPerTxn, "ops-per-txn", cfg.OpsPerTxn, "data accesses per transaction")
	flags.Float64Var(&cfg.ReadRatio, "read-ratio", cfg.ReadRatio, "fraction of accesses that read")
	flags.BoolVar(&cfg.Zipfian, "zipfian", cfg.Zipfian, "draw offsets from a zipfian distribution")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if configPath != "" {
		fileCfg := config.NewDefaultConfig()
		if err := fileCfg.FromFile(configPath); err != nil {
			return err
		}
		// Explicit flags win over the file.
		applyFileConfig(cmd.Flags(), fileCfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.SetLevelByString(cfg.LogLevel)

	report, err := bench.Run(cfg)
	if err != nil {
		return err
	}
	fmt.Println(report)
	return nil
}

func applyFileConfig(flags *pflag.FlagSet, fileCfg *config.Config) {
	if !flags.Changed("variant") {
		cfg.Variant = fileCfg.Variant
	}
	if !flags.Changed("workers") {
		cfg.Workers = fileCfg.Workers
	}
	if !flags.Changed("table-size") {
		cfg.TableSize = fileCfg.TableSize
	}
	if !flags.Changed("txns-per-worker") {
		cfg.TxnsPerWorker = fileCfg.TxnsPerWorker
	}
	if !flags.Changed("ops-per-txn") {
		cfg.OpsPerTxn = fileCfg.OpsPerTxn
	}
	if !flags.Changed("read-ratio") {
		cfg.ReadRatio = fileCfg.ReadRatio
	}
	if !flags.Changed("zipfian") {
		cfg.Zipfian = fileCfg.Zipfian
	}
	if !flags.Changed("log-level") {
		cfg.LogLevel = fileCfg.LogLevel
	}
	cfg.ZipfianTheta = fileCfg.ZipfianTheta
	cfg.WAL = fileCfg.WAL
}
