package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BenmansourYahia/SignLanguage-Project/checkpoints"
)

var (
	exportCheckpointPath string // Checkpoint written by train
	exportDir            string // Directory receiving model.onnx and labels.txt
)

// exportCmd re-exports a saved checkpoint as a quantized ONNX artifact
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a saved checkpoint as a quantized ONNX model",
	RunE: func(cmd *cobra.Command, args []string) error {
		artifact, err := exportCheckpoint(cmd.Context(), exportCheckpointPath, exportDir, logrus.StandardLogger())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), artifact.Info.String())
		return nil
	},
}

// exportCheckpoint loads a checkpoint and writes its artifact and label list into dir
func exportCheckpoint(ctx context.Context, path, dir string, logger logrus.FieldLogger) (*checkpoints.Artifact, error) {
	cp, err := checkpoints.NewCheckpointSaver().LoadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	in, err := checkpoints.ExportInputFromCheckpoint(cp)
	if err != nil {
		return nil, err
	}
	return checkpoints.NewExporter(dir, logger).Export(ctx, in)
}

func init() {
	exportCmd.Flags().StringVar(&exportCheckpointPath, "checkpoint", "output/"+checkpointFile, "Checkpoint to export")
	exportCmd.Flags().StringVarP(&exportDir, "output", "o", "output", "Output directory")

	rootCmd.AddCommand(exportCmd)
}
