package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pagedkv/pagedkv-go/internal/config"
	"github.com/pagedkv/pagedkv-go/internal/driver"
	"github.com/pagedkv/pagedkv-go/internal/kvblock"
	"github.com/pagedkv/pagedkv-go/internal/kvblock/metrics"
)

func main() {
	if err := NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewCLI builds the pagedkv root command.
func NewCLI() *cobra.Command {
	root := &cobra.Command{
		Use:   "pagedkv",
		Short: "Drive the paged KV-cache block manager through a scripted workload",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath          string
		capacity            int
		blockSize           int
		enablePrefixCaching bool
		promptLen           int
		numSequences        int
		decodeSteps         int
		verbose             bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Allocate, decode, and free a synthetic batch, printing pool stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				slog.SetLogLoggerLevel(slog.LevelDebug)
			}
			return RunHandler(cmd, runOptions{
				configPath:          configPath,
				capacity:            capacity,
				blockSize:           blockSize,
				enablePrefixCaching: enablePrefixCaching,
				promptLen:           promptLen,
				numSequences:        numSequences,
				decodeSteps:         decodeSteps,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "optional JSON config overlay")
	cmd.Flags().IntVar(&capacity, "capacity", 64, "number of physical blocks in the pool")
	cmd.Flags().IntVar(&blockSize, "block-size", 4, "tokens per block")
	cmd.Flags().BoolVar(&enablePrefixCaching, "prefix-caching", true, "retain freed blocks for prefix reuse")
	cmd.Flags().IntVar(&promptLen, "prompt-len", 12, "synthetic prompt length in tokens")
	cmd.Flags().IntVar(&numSequences, "sequences", 3, "number of sequences to submit")
	cmd.Flags().IntVar(&decodeSteps, "decode-steps", 8, "number of decode steps to run after prefill")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	return cmd
}

type runOptions struct {
	configPath          string
	capacity            int
	blockSize           int
	enablePrefixCaching bool
	promptLen           int
	numSequences        int
	decodeSteps         int
}

// RunHandler builds a manager from config, submits numSequences synthetic
// sequences sharing a common prompt prefix, steps the driver to prefill
// and decode them, and prints occupancy stats (free blocks and used
// percentage); cache hit-rate is not printed. It demonstrates
// the library end to end; it is not a server and opens no listener.
func RunHandler(cmd *cobra.Command, opts runOptions) error {
	cfg, err := config.Load(opts.configPath,
		config.WithNumKVCacheBlocks(opts.capacity),
		config.WithKVCacheBlockSize(opts.blockSize),
		config.WithEnablePrefixCaching(opts.enablePrefixCaching),
	)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	manager := kvblock.NewBlockManager(cfg.NumKVCacheBlocks, cfg.EnablePrefixCaching, cfg.KVCacheBlockSize)
	recorder := metrics.New()
	manager.SetRecorder(recorder)

	drv := driver.New(manager)

	sharedPrompt := make([]int64, opts.promptLen)
	for i := range sharedPrompt {
		sharedPrompt[i] = int64(100 + i)
	}

	groups := make([]*kvblock.SequenceGroup, 0, opts.numSequences)
	for i := 0; i < opts.numSequences; i++ {
		seq := &kvblock.Sequence{ID: i, PromptIDs: sharedPrompt}
		group := &kvblock.SequenceGroup{
			ID:              i,
			PromptIDs:       sharedPrompt,
			BlockSize:       cfg.KVCacheBlockSize,
			ActiveSequences: []*kvblock.Sequence{seq},
		}
		groups = append(groups, group)
		drv.Add(group)
	}

	for drv.Pending() > 0 {
		result := drv.Step()
		if len(result.Deferred) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "deferred %d group(s) under memory pressure\n", len(result.Deferred))
		}
	}

	for step := 0; step < opts.decodeSteps; step++ {
		for _, group := range groups {
			seq := group.ActiveSequences[0]
			seq.GeneratedIDs = append(seq.GeneratedIDs, int64(900+step))
		}
		drv.Step()
	}

	for _, group := range groups {
		drv.Finish(group)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "free blocks: %d/%d (used %.1f%%)\n",
		manager.NumFreeBlocks(), opts.capacity, manager.UsedPercentage()*100)
	return nil
}
