package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsawler/go-gradcam/config"
	"github.com/tsawler/go-gradcam/gradcam"
	"github.com/tsawler/go-gradcam/vision/imagenet"
	"github.com/tsawler/go-gradcam/vision/preprocessing"
	"github.com/tsawler/go-gradcam/visualization"
)

// Explain flags; each overrides its config value when set
var (
	weightsPath string
	labelsPath  string
	arch        string
	targetLayer string
	classIndex  int
	topK        int
	saliencyOut string
	fmapOut     string
	plotURL     string
)

var explainCmd = &cobra.Command{
	Use:   "explain [image]",
	Short: "Classify an image and render its Grad-CAM saliency",
	Long: `Classify an image, print the top predictions and write two PNGs: the
feature maps of the hooked layer with their Grad-CAM weights, and the
saliency of the explained class over the image.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExplain,
}

func init() {
	f := explainCmd.Flags()
	f.StringVar(&weightsPath, "weights", "", "Checkpoint path (.json or .onnx)")
	f.StringVar(&labelsPath, "labels", "", "imagenet_class_index.json path")
	f.StringVar(&arch, "arch", "", "Architecture (resnet18 ... resnet152)")
	f.StringVar(&targetLayer, "layer", "", "Layer to explain, e.g. layer4 or layer3.5")
	f.IntVar(&classIndex, "class", -1, "Class to explain (-1 for the top prediction)")
	f.IntVar(&topK, "top-k", imagenet.DefaultTopK, "Number of predictions to print")
	f.StringVarP(&saliencyOut, "out", "o", "", "Saliency PNG path")
	f.StringVar(&fmapOut, "fmap-out", "", "Feature map grid PNG path")
	f.StringVar(&plotURL, "plot", "", "Send plots to the sidecar at this URL")
}

// applyExplainFlags copies the flags the user set onto cfg
func applyExplainFlags(cmd *cobra.Command, cfg *config.Config, args []string) error {
	f := cmd.Flags()
	if len(args) == 1 {
		cfg.Image = args[0]
	}
	if f.Changed("weights") {
		cfg.Model.Weights = weightsPath
	}
	if f.Changed("labels") {
		cfg.Labels = labelsPath
	}
	if f.Changed("arch") {
		cfg.Model.Architecture = arch
	}
	if f.Changed("layer") {
		cfg.Explain.TargetLayer = targetLayer
	}
	if f.Changed("class") {
		cfg.Explain.Class = classIndex
	}
	if f.Changed("top-k") {
		cfg.Explain.TopK = topK
	}
	if f.Changed("out") {
		cfg.Output.Saliency = saliencyOut
	}
	if f.Changed("fmap-out") {
		cfg.Output.FeatureMaps = fmapOut
	}
	if f.Changed("plot") {
		cfg.Plotting.Enabled = true
		cfg.Plotting.BaseURL = plotURL
	}
	return cfg.Validate()
}

func runExplain(cmd *cobra.Command, args []string) error {
	if err := applyExplainFlags(cmd, cfg, args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return explain(ctx, cfg, cmd.OutOrStdout(), logger)
}

// explain runs the whole pipeline: load, predict, explain, render.
func explain(ctx context.Context, cfg *config.Config, out io.Writer, logger *zap.Logger) error {
	start := time.Now()

	classes, err := imagenet.Load(cfg.Labels)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "loading the image...")
	img, err := preprocessing.LoadImage(cfg.Image)
	if err != nil {
		return err
	}
	processed, err := preprocessing.NewImageProcessor(preprocessing.DefaultImageSize).Preprocess(img)
	if err != nil {
		return err
	}
	input, err := processed.ToTensor()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "loading the model...")
	net, err := loadNetwork(cfg, logger)
	if err != nil {
		return err
	}

	explainer := gradcam.NewExplainer(net, logger)
	explainer.Target = cfg.Explain.TargetLayer
	res, err := explainer.Explain(ctx, input, cfg.Explain.Class)
	if err != nil {
		return err
	}

	preds, err := classes.DecodePredictions(res.Probs, cfg.Explain.TopK)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "the prediction result:")
	for _, p := range preds[0] {
		fmt.Fprintln(out, imagenet.FormatPrediction(p))
	}

	fmt.Fprintln(out, "Calculating the saliency of the top prediction...")
	grid, err := visualization.RenderFeatureGrid(img, res.Activation, res.Scores, cfg.GridOptions())
	if err != nil {
		return err
	}
	if err := visualization.SavePNG(cfg.Output.FeatureMaps, grid); err != nil {
		return err
	}

	tag, label, _ := classes.Lookup(res.Target)
	title := fmt.Sprintf("grad_cam on %s %s", tag, label)
	rendered, err := visualization.RenderSaliency(img, res.Saliency, title)
	if err != nil {
		return err
	}
	if err := visualization.SavePNG(cfg.Output.Saliency, rendered); err != nil {
		return err
	}

	logger.Info("explanation written",
		zap.String("run_id", res.RunID),
		zap.String("saliency", cfg.Output.Saliency),
		zap.String("feature_maps", cfg.Output.FeatureMaps),
		zap.Duration("elapsed", time.Since(start)),
	)

	if cfg.Plotting.Enabled {
		sendPlots(ctx, cfg, res, title, logger)
	}
	return nil
}

// sendPlots publishes the saliency and channel weights to the plotting
// sidecar. Failures are logged; the PNGs are already on disk.
func sendPlots(ctx context.Context, cfg *config.Config, res *gradcam.Result, title string, logger *zap.Logger) {
	ps := visualization.NewPlottingService(cfg.PlottingServiceConfig(), logger)
	ps.Enable()

	if err := ps.CheckHealth(ctx); err != nil {
		logger.Warn("plotting service unavailable", zap.Error(err))
		return
	}

	heat, err := visualization.NewSaliencyPlot(cfg.Model.Architecture, res.RunID, title, res.Saliency)
	if err != nil {
		logger.Warn("failed to build saliency plot", zap.Error(err))
		return
	}
	scores := visualization.NewChannelScoresPlot(cfg.Model.Architecture, res.RunID, res.Scores, cfg.GridOptions())

	resp, err := ps.BatchSendPlots(ctx, []visualization.PlotData{heat, scores})
	if err != nil {
		logger.Warn("failed to send plots", zap.Error(err))
		return
	}
	logger.Info("plots sent",
		zap.String("batch_id", resp.BatchID),
		zap.Int("successful", resp.Summary.Successful),
		zap.Int("failed", resp.Summary.Failed),
	)
}
