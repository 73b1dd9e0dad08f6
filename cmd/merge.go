package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BenmansourYahia/SignLanguage-Project/vision/dataset"
)

var (
	mergeSources []string // name=dir or dir
	mergeOutput  string   // Merged corpus root
	mergeSize    int      // Side of the resized images
	mergeQuality int      // JPEG quality
	mergeWorkers int      // Parallel decoders
)

// mergeCmd combines several corpora into one canonical corpus
var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge class-per-directory corpora into one resized JPEG corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := parseMergeSources(mergeSources)
		if err != nil {
			return err
		}
		report, err := dataset.Merge(cmd.Context(), dataset.MergeConfig{
			Sources:    sources,
			Output:     mergeOutput,
			TargetSize: mergeSize,
			Quality:    mergeQuality,
			Workers:    mergeWorkers,
			Logger:     logrus.StandardLogger(),
		})
		if err != nil {
			return err
		}
		printMergeReport(cmd.OutOrStdout(), report)
		return nil
	},
}

// parseMergeSources accepts "name=dir" or a bare "dir"
func parseMergeSources(specs []string) ([]dataset.MergeSource, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --source is required")
	}
	sources := make([]dataset.MergeSource, 0, len(specs))
	for _, s := range specs {
		name, dir, ok := strings.Cut(s, "=")
		if !ok {
			name, dir = "", s
		}
		if dir == "" {
			return nil, fmt.Errorf("source %q has no directory", s)
		}
		sources = append(sources, dataset.MergeSource{Name: name, Dir: dir})
	}
	return sources, nil
}

func printMergeReport(w io.Writer, report *dataset.MergeReport) {
	classes := make([]string, 0, len(report.ClassCounts))
	for c := range report.ClassCounts {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	fmt.Fprintf(w, "Merged %d images into %d classes\n", report.Total, len(classes))
	for _, c := range classes {
		fmt.Fprintf(w, "  %-12s %d\n", c, report.ClassCounts[c])
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped %d unreadable images\n", len(report.Skipped))
	}
}

func init() {
	mergeCmd.Flags().StringArrayVar(&mergeSources, "source", nil, "Source corpus as name=dir or dir (repeatable)")
	mergeCmd.Flags().StringVarP(&mergeOutput, "output", "o", "dataset", "Merged corpus root")
	mergeCmd.Flags().IntVar(&mergeSize, "size", 64, "Side of the resized square images")
	mergeCmd.Flags().IntVar(&mergeQuality, "quality", 95, "JPEG quality")
	mergeCmd.Flags().IntVar(&mergeWorkers, "workers", 4, "Parallel decoders")

	rootCmd.AddCommand(mergeCmd)
}
