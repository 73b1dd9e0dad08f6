package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
	"github.com/BenmansourYahia/SignLanguage-Project/training"
)

// inspectCmd prints what an exported artifact or a checkpoint contains
var inspectCmd = &cobra.Command{
	Use:   "inspect <model.onnx|checkpoint.json>",
	Short: "Describe an exported model or a training checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspect(cmd.OutOrStdout(), args[0])
	},
}

func inspect(w io.Writer, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		cp, err := checkpoints.NewCheckpointSaver().LoadCheckpoint(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Checkpoint: %s\n", path)
		fmt.Fprintf(w, "Run: %s (%s %s, %s)\n", cp.Metadata.RunID, cp.Metadata.Framework, cp.Metadata.Version,
			cp.Metadata.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "Epoch %d, step %d: val_acc=%.4f val_loss=%.4f lr=%g\n",
			cp.TrainingState.Epoch, cp.TrainingState.Step, cp.TrainingState.BestAccuracy,
			cp.TrainingState.BestLoss, cp.TrainingState.LearningRate)
		fmt.Fprintf(w, "Resolution: %d\nLabels: %s\n\n", cp.Resolution, strings.Join(cp.Labels, ", "))
		training.NewModelArchitecturePrinter(modelName).PrintArchitecture(w, cp.ModelSpec)
		return nil
	}

	info, err := checkpoints.Inspect(path)
	if err != nil {
		return err
	}
	fmt.Fprint(w, info.String())
	return nil
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
