// Command gradcam explains ResNet predictions with Grad-CAM saliency maps.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsawler/go-gradcam/config"
	"github.com/tsawler/go-gradcam/tensor"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Set up by PersistentPreRunE
	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gradcam",
	Short: "Grad-CAM saliency maps for ResNet image classifiers",
	Long: `gradcam classifies an image with a pretrained ResNet, prints the top
predictions and renders where the network looked: the Grad-CAM saliency of
the best class and a grid of the hooked layer's feature maps.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, err = newLogger(cfg, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		tensor.SetWorkers(workerCount(cfg.Workers))
		logger.Debug("cpu",
			zap.String("brand", cpuid.CPU.BrandName),
			zap.Int("physical_cores", cpuid.CPU.PhysicalCores),
			zap.Int("logical_cores", cpuid.CPU.LogicalCores),
			zap.Bool("avx2", cpuid.CPU.Supports(cpuid.AVX2)),
			zap.Bool("avx512", cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ)),
			zap.Int("workers", tensor.Workers()),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func newLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = zapcore.DebugLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = cfg.Logging.Encoding
	if zc.Encoding == "console" {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zc.Build()
}

// workerCount resolves the kernel parallelism; 0 means one worker per
// logical core.
func workerCount(configured int) int {
	if configured > 0 {
		return configured
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "gradcam.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(explainCmd, summaryCmd, convertCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
