package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-gradcam/checkpoints"
	"github.com/tsawler/go-gradcam/config"
	"github.com/tsawler/go-gradcam/engine"
	"github.com/tsawler/go-gradcam/layers"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the layers of the configured architecture",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := layers.Architecture(cfg.Model.Architecture, cfg.Model.NumClasses)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), spec.Summary())
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <in> <out>",
	Short: "Convert a checkpoint between JSON and ONNX",
	Long: `Convert a checkpoint between the JSON and ONNX formats; the format of
each side follows its file extension. Weights are checked against the
configured architecture, whose graph is embedded in ONNX output.

ONNX input must keep the PyTorch state_dict names. Export torchvision models
without constant folding, which would merge the batch norms into the
convolutions:

  torch.onnx.export(model, torch.randn(1, 3, 224, 224), "resnet50.onnx",
                    export_params=True, do_constant_folding=False)

Set model.trim_prefix when the names carry a wrapper prefix such as "model.".`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convert(cfg, args[0], args[1], logger)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DefaultConfig().Save(cfgPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		return nil
	},
}

// loadCheckpoint reads a checkpoint in the given format. ONNX initializer
// names have cfg.Model.TrimPrefix removed.
func loadCheckpoint(cfg *config.Config, path string, format checkpoints.CheckpointFormat) (*checkpoints.Checkpoint, error) {
	if format == checkpoints.FormatONNX {
		importer := checkpoints.NewONNXImporter()
		importer.TrimPrefix = cfg.Model.TrimPrefix
		return importer.ImportFromONNX(path)
	}
	return checkpoints.NewCheckpointSaver(format).LoadCheckpoint(path)
}

// loadNetwork builds the configured architecture and binds its weights
func loadNetwork(cfg *config.Config, logger *zap.Logger) (*engine.Network, error) {
	spec, err := layers.Architecture(cfg.Model.Architecture, cfg.Model.NumClasses)
	if err != nil {
		return nil, err
	}
	format, err := cfg.WeightsFormat()
	if err != nil {
		return nil, err
	}
	cp, err := loadCheckpoint(cfg, cfg.Model.Weights, format)
	if err != nil {
		return nil, err
	}

	logger.Debug("checkpoint loaded",
		zap.String("path", cfg.Model.Weights),
		zap.Stringer("format", format),
		zap.Int("tensors", len(cp.Weights)),
	)
	return engine.NewNetwork(spec, cp.Weights,
		engine.WithLogger(logger),
		engine.WithWorkers(cfg.Workers),
	)
}

func convert(cfg *config.Config, in, out string, logger *zap.Logger) error {
	spec, err := layers.Architecture(cfg.Model.Architecture, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	cp, err := loadCheckpoint(cfg, in, checkpoints.FormatFromPath(in))
	if err != nil {
		return err
	}
	if err := checkpoints.ValidateWeights(spec, cp.Weights); err != nil {
		return fmt.Errorf("%s does not fit %s: %w", in, cfg.Model.Architecture, err)
	}

	cp.ModelSpec = spec
	cp.Metadata.Architecture = strings.ToLower(cfg.Model.Architecture)

	format := checkpoints.FormatFromPath(out)
	if err := checkpoints.NewCheckpointSaver(format).SaveCheckpoint(cp, out); err != nil {
		return err
	}
	logger.Info("checkpoint converted",
		zap.String("from", in),
		zap.String("to", out),
		zap.Stringer("format", format),
		zap.Int("tensors", len(cp.Weights)),
	)
	return nil
}
