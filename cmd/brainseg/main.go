package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"brainseg/pkg/config"
	"brainseg/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	trainDir := flag.String("train", "", "Training data directory (overrides config)")
	testDir := flag.String("test", "", "Testing data directory (overrides config)")
	atlasDir := flag.String("atlas", "", "Atlas directory for histogram matching (overrides config)")
	resultDir := flag.String("results", "", "Result output directory (overrides config)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command line overrides
	if *trainDir != "" {
		cfg.Data.TrainDir = *trainDir
	}
	if *testDir != "" {
		cfg.Data.TestDir = *testDir
	}
	if *atlasDir != "" {
		cfg.Data.AtlasDir = *atlasDir
	}
	if *resultDir != "" {
		cfg.Output.ResultDir = *resultDir
	}
	if *verbose {
		cfg.Output.Verbose = true
	}

	if cfg.Data.TrainDir == "" || cfg.Data.TestDir == "" {
		fmt.Fprintln(os.Stderr, "Training and testing directories are required (flags -train/-test or config data.trainDir/data.testDir)")
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting segmentation run",
		"train", cfg.Data.TrainDir,
		"test", cfg.Data.TestDir,
		"modalities", cfg.Data.Modalities,
		"normalization", cfg.Preprocessing.Normalization)

	start := time.Now()
	result, err := pipeline.New(cfg, logger).Run(context.Background())
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("run finished",
		"runID", result.RunID,
		"resultDir", result.ResultDir,
		"records", len(result.Records),
		"trainFailures", len(result.TrainFailures),
		"testFailures", len(result.TestFailures),
		"elapsed", time.Since(start))

	fmt.Printf("Results written to %s\n", result.ResultDir)
}
