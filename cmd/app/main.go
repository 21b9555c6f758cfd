package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfgpkg "github.com/local/docconvert/internal/config"
	logpkg "github.com/local/docconvert/internal/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "docconvert",
	Short: "Document conversion service",
	Long: `docconvert converts office documents, spreadsheets, presentations, PDFs and
images. Each job runs in its own workspace with a bounded converter run.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration and starts logging. Callers must run logpkg.Close.
func setup() (cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(cfgFile)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	err = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.DatasetName(),
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	if err != nil {
		return cfg, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
