package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MrWong99/speakd/internal/cache"
	"github.com/MrWong99/speakd/internal/config"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or prune the replay audio cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and entry count",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, d, err := openCache()
		if err != nil {
			return err
		}
		defer d.Close()
		st, err := d.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, %s (retention %s)\n",
			d.Dir(), st.Entries, humanize.Bytes(uint64(st.Bytes)), cfg.Cache.Retention)
		return nil
	},
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired entries and enforce cache.max_size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, d, err := openCache()
		if err != nil {
			return err
		}
		defer d.Close()
		res, err := d.Prune()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired and %d evicted entries, freed %s\n",
			res.Expired, res.Evicted, humanize.Bytes(uint64(res.Freed)))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cachePruneCmd)
}

func openCache() (*config.Config, *cache.Disk, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	maxBytes, err := cfg.Cache.MaxBytes()
	if err != nil {
		return nil, nil, err
	}
	d, err := cache.NewDisk(cfg.Cache.Dir, cache.WithRetention(cfg.Cache.Retention), cache.WithMaxBytes(maxBytes))
	if err != nil {
		return nil, nil, err
	}
	return cfg, d, nil
}
