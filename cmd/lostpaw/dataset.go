package lostpaw

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lostpaw/pkg/config"
	"github.com/soundprediction/lostpaw/pkg/dataset"
)

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print identity statistics of a dataset",
	RunE:  runDescribe,
}

var mergeCmd = &cobra.Command{
	Use:   "merge <source-dir>...",
	Short: "Merge extraction outputs into one dataset",
	Long: `Merge several extraction output directories into data.dir: ledgers are
concatenated, images are copied into the target store and a pair-form
training file is written.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMerge,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove duplicate records and split off a test set",
	Long: `Drop records whose source image was already extracted (deleting their
files), then move a random share of the identities into the test info file.`,
	RunE: runClean,
}

var splitCmd = &cobra.Command{
	Use:   "split <parts>",
	Short: "Split a dataset into disjoint parts by identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runSplit,
}

func init() {
	rootCmd.AddCommand(describeCmd, mergeCmd, cleanCmd, splitCmd)

	describeCmd.Flags().String("info", "", "info file inside the dataset directory")
	describeCmd.Flags().Bool("dedup", false, "count each source image once per pet")
	describeCmd.Flags().Bool("json", false, "print JSON")

	cleanCmd.Flags().Float64("holdout", 0.1, "share of identities moved to the test set")
	cleanCmd.Flags().Bool("no-dedup", false, "keep duplicate-source records")

	splitCmd.Flags().String("out", "", "output directory (default: the dataset directory)")
	splitCmd.Flags().String("prefix", "thread_", "output file name prefix")
}

// openDataset opens data.dir with the named info file, or data.info_file.
// The returned func flushes the logger.
func openDataset(cmd *cobra.Command, infoFlag string) (*config.Config, *dataset.Folder, func(), error) {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Data.Dir == "" {
		return nil, nil, nil, fmt.Errorf("data.dir is required (use --data-dir)")
	}
	logger, flush := setupLogger(cfg)

	info := cfg.Data.InfoFile
	if infoFlag != "" {
		if v, _ := cmd.Flags().GetString(infoFlag); v != "" {
			info = v
		}
	}
	folder, err := dataset.Open(cfg.Data.Dir, info, dataset.WithLogger(logger))
	if err != nil {
		flush()
		return nil, nil, nil, err
	}
	return cfg, folder, flush, nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	_, folder, flush, err := openDataset(cmd, "info")
	if err != nil {
		return err
	}
	defer flush()
	dedup, _ := cmd.Flags().GetBool("dedup")
	desc := folder.Describe(dedup)

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(desc)
	}
	desc.Print(cmd.OutOrStdout())
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if cfg.Data.Dir == "" {
		return fmt.Errorf("data.dir is required (use --data-dir)")
	}
	logger, flush := setupLogger(cfg)
	defer flush()

	ctx, cancel := signalContext()
	defer cancel()

	bar := newProgress("merge", 0)
	stats, err := dataset.Merge(ctx, args, cfg.Data.Dir,
		dataset.WithMergeLogger(logger),
		dataset.WithMergeProgress(bar.Set))
	bar.Done()
	if err != nil {
		return fmt.Errorf("merge failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "merged %d sources: %d records, %d images, %d pair lines, %d images skipped\n",
		stats.Sources, stats.Records, stats.Images, stats.PairRecords, stats.SkippedImage)
	return nil
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, folder, flush, err := openDataset(cmd, "")
	if err != nil {
		return err
	}
	defer flush()
	out := cmd.OutOrStdout()

	if noDedup, _ := cmd.Flags().GetBool("no-dedup"); !noDedup {
		n, err := folder.Deduplicate()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d duplicate records\n", n)
	}

	fraction, _ := cmd.Flags().GetFloat64("holdout")
	if fraction <= 0 {
		return nil
	}
	testName := cfg.Data.TestInfoFile
	if testName == "" {
		return fmt.Errorf("data.test_info_file is required for a holdout split")
	}
	train, test, err := folder.SplitHoldout(fraction, cfg.Train.Seed)
	if err != nil {
		return err
	}
	if err := test.WriteInfo(testName); err != nil {
		return err
	}
	if err := train.WriteInfo(filepath.Base(folder.InfoFile())); err != nil {
		return err
	}
	fmt.Fprintf(out, "held out %d of %d records in %s\n", test.Len(), folder.Len(), testName)
	return nil
}

func runSplit(cmd *cobra.Command, args []string) error {
	var parts int
	if _, err := fmt.Sscanf(args[0], "%d", &parts); err != nil || parts <= 0 {
		return fmt.Errorf("parts must be a positive integer, got %q", args[0])
	}
	cfg, folder, flush, err := openDataset(cmd, "")
	if err != nil {
		return err
	}
	defer flush()
	outDir, _ := cmd.Flags().GetString("out")
	if outDir == "" {
		outDir = cfg.Data.Dir
	}
	prefix, _ := cmd.Flags().GetString("prefix")

	views, err := folder.Split(parts)
	if err != nil {
		return err
	}
	for i, v := range views {
		path := filepath.Join(outDir, fmt.Sprintf("%s%d", prefix, i), filepath.Base(folder.InfoFile()))
		if err := v.SaveTo(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", path, v.Len())
	}
	return nil
}
