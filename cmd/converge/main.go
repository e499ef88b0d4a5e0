// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command converge operates on a verification-state directory: backups,
// restores, checkpoint compression, and store statistics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/converge/checkpoint"
	"github.com/AleutianAI/converge/config"
	"github.com/AleutianAI/converge/memory"
	"github.com/AleutianAI/converge/pkg/logging"
)

var (
	configPath string
	stateDir   string
	verbose    bool
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:   "converge",
		Short: "Distributed verification-state tooling",
		Long: `converge manages the verification state store used by the
reconciliation components: point-in-time backups, checksummed restores,
checkpoint compression, and store statistics.`,
		SilenceUsage: true,
	}

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Write a checksummed backup of the state directory",
		RunE:  runBackup,
	}

	restoreCmd = &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore the store from a backup, verifying its checksum",
		Args:  cobra.ExactArgs(1),
		RunE:  runRestore,
	}

	compressCmd = &cobra.Command{
		Use:   "compress <checkpoint.json>",
		Short: "Compress a checkpoint file",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompress,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print store statistics",
		RunE:  runStats,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Audit the store for orphans and unparseable files",
		RunE:  runValidate,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override persistence directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddCommand(backupCmd, restoreCmd, compressCmd, statsCmd, validateCmd)

	compressCmd.Flags().StringP("output", "o", "", "output file (default: <input>.cz.json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnvironment builds the config, logger, and manager shared by the
// store subcommands.
func loadEnvironment() (config.Config, *logging.Logger, *memory.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	if stateDir != "" {
		cfg.Persistence.Directory = stateDir
		cfg.Persistence.Enabled = true
	}

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "converge",
		JSON:    jsonOutput,
	})

	mgr, err := memory.NewManager(cfg, memory.WithLogger(logger.Slog()))
	if err != nil {
		logger.Close()
		return cfg, nil, nil, err
	}
	return cfg, logger, mgr, nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	_, logger, mgr, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.LoadAll(cmd.Context()); err != nil {
		return fmt.Errorf("load state directory: %w", err)
	}
	meta, err := mgr.CreateBackup(cmd.Context())
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return printResult(meta, "backup %s created (%d states, %d bytes)\n",
		meta.BackupID, meta.StateCount, meta.Size)
}

func runRestore(cmd *cobra.Command, args []string) error {
	_, logger, mgr, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()
	defer mgr.Shutdown(context.Background())

	backupID := args[0]
	if err := mgr.RestoreFromBackup(cmd.Context(), backupID); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	stats := mgr.GetStats()
	return printResult(stats, "restored backup %s (%d states)\n", backupID, stats.StateCount)
}

func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	inputPath := args[0]
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	cp := &checkpoint.Checkpoint{}
	if err := json.Unmarshal(data, cp); err != nil {
		return fmt.Errorf("parse checkpoint: %w", err)
	}

	compressor := checkpoint.NewCompressor(checkpoint.Config{
		GzipLevel:             cfg.Compression.GzipLevel,
		EnableDelta:           cfg.Compression.EnableDelta,
		EnableDeduplication:   cfg.Compression.EnableDeduplication,
		MinSizeForCompression: cfg.Compression.MinSizeForCompression,
		MaxDeltaChain:         cfg.Compression.MaxDeltaChain,
	})
	cc, err := compressor.Compress(cmd.Context(), cp)
	if err != nil {
		return fmt.Errorf("compress: %w", err)
	}

	out, err := json.MarshalIndent(cc, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize compressed checkpoint: %w", err)
	}

	outputPath, _ := cmd.Flags().GetString("output")
	if outputPath == "" {
		outputPath = inputPath + ".cz.json"
	}
	if err := os.WriteFile(outputPath, out, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}

	meta := cc.CompressionMeta
	return printResult(meta, "compressed %s -> %s (%d -> %d bytes, ratio %.2f)\n",
		inputPath, outputPath, meta.OriginalSize, meta.CompressedSize, meta.CompressionRatio)
}

func runStats(cmd *cobra.Command, args []string) error {
	_, logger, mgr, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.LoadAll(cmd.Context()); err != nil {
		return fmt.Errorf("load state directory: %w", err)
	}
	stats := mgr.GetStats()
	return printResult(stats, "node %s: %d states, %d active agents, %d pending writes\n",
		stats.NodeID, stats.StateCount, stats.ActiveAgents, stats.PendingPersistence)
}

func runValidate(cmd *cobra.Command, args []string) error {
	_, logger, mgr, err := loadEnvironment()
	if err != nil {
		return err
	}
	defer logger.Close()
	defer mgr.Shutdown(context.Background())

	if _, err := mgr.LoadAll(cmd.Context()); err != nil {
		return fmt.Errorf("load state directory: %w", err)
	}
	report, err := mgr.ValidateCleanup(cmd.Context())
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if jsonOutput {
		return printJSON(report)
	}
	fmt.Printf("orphaned states: %d\n", len(report.OrphanedStates))
	fmt.Printf("memory leaks: %d\n", len(report.MemoryLeaks))
	fmt.Printf("persistence issues: %d\n", len(report.PersistenceIssues))
	if !report.CleanupSuccess {
		return fmt.Errorf("validation found issues")
	}
	fmt.Println("store is clean")
	return nil
}

func printResult(v any, format string, args ...any) error {
	if jsonOutput {
		return printJSON(v)
	}
	fmt.Printf(format, args...)
	return nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
