package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/tsawler/go-gradcam/checkpoints"
	"github.com/tsawler/go-gradcam/config"
)

func TestApplyExplainFlags(t *testing.T) {
	require.NoError(t, explainCmd.ParseFlags([]string{
		"--layer", "layer3",
		"--class", "7",
		"-o", "out/cam.png",
		"--plot", "http://plots:9000",
	}))

	cfg := config.DefaultConfig()
	require.NoError(t, applyExplainFlags(explainCmd, cfg, []string{"cat.jpg"}))

	assert.Equal(t, "cat.jpg", cfg.Image)
	assert.Equal(t, "layer3", cfg.Explain.TargetLayer)
	assert.Equal(t, 7, cfg.Explain.Class)
	assert.Equal(t, "out/cam.png", cfg.Output.Saliency)
	assert.True(t, cfg.Plotting.Enabled)
	assert.Equal(t, "http://plots:9000", cfg.Plotting.BaseURL)

	// Unset flags keep the configured values
	defaults := config.DefaultConfig()
	assert.Equal(t, defaults.Model.Weights, cfg.Model.Weights)
	assert.Equal(t, defaults.Output.FeatureMaps, cfg.Output.FeatureMaps)
	assert.Equal(t, defaults.Explain.TopK, cfg.Explain.TopK)
}

func TestApplyExplainFlagsValidates(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Explain.Class = 5000
	assert.Error(t, applyExplainFlags(summaryCmd, cfg, nil))
}

func TestWorkerCount(t *testing.T) {
	assert.Equal(t, 3, workerCount(3))
	assert.Positive(t, workerCount(0))
}

func TestNewLogger(t *testing.T) {
	cfg := config.DefaultConfig()

	l, err := newLogger(cfg, false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))

	l, err = newLogger(cfg, true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	cfg.Logging.Level = "loud"
	_, err = newLogger(cfg, false)
	assert.Error(t, err)
}

func TestLoadCheckpointTrimsONNXPrefix(t *testing.T) {
	weights := []checkpoints.WeightTensor{
		checkpoints.NewWeightTensor("model.fc.weight", []int{2, 2}, []float32{1, 2, 3, 4}),
		checkpoints.NewWeightTensor("model.fc.bias", []int{2}, []float32{5, 6}),
	}
	path := filepath.Join(t.TempDir(), "fc.onnx")
	require.NoError(t, checkpoints.NewCheckpointSaver(checkpoints.FormatONNX).
		SaveCheckpoint(&checkpoints.Checkpoint{Weights: weights}, path))

	cfg := config.DefaultConfig()
	cfg.Model.TrimPrefix = "model."
	cp, err := loadCheckpoint(cfg, path, checkpoints.FormatONNX)
	require.NoError(t, err)

	byName := checkpoints.WeightMap(cp.Weights)
	require.Contains(t, byName, "fc.weight")
	require.Contains(t, byName, "fc.bias")
	assert.Equal(t, []float32{5, 6}, byName["fc.bias"].Data)

	jsonPath := filepath.Join(t.TempDir(), "fc.json")
	require.NoError(t, checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).
		SaveCheckpoint(&checkpoints.Checkpoint{Weights: weights}, jsonPath))
	cp, err = loadCheckpoint(cfg, jsonPath, checkpoints.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "model.fc.weight", cp.Weights[0].Name)
}

func TestConvertRejectsForeignWeights(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "fc.json")
	weights := []checkpoints.WeightTensor{
		checkpoints.NewWeightTensor("fc.bias", []int{2}, []float32{5, 6}),
	}
	require.NoError(t, checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).
		SaveCheckpoint(&checkpoints.Checkpoint{Weights: weights}, in))

	cfg := config.DefaultConfig()
	cfg.Model.Architecture = "resnet18"
	err := convert(cfg, in, filepath.Join(dir, "out.onnx"), nil)
	assert.ErrorIs(t, err, checkpoints.ErrMissingWeight)
}

func TestConvertHelpNamesExportRecipe(t *testing.T) {
	assert.Contains(t, convertCmd.Long, "do_constant_folding=False")
}

func TestConvertExplainsFoldedExport(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "folded.json")
	weights := []checkpoints.WeightTensor{
		checkpoints.NewWeightTensor("onnx::Conv_193", []int{64, 3, 7, 7}, make([]float32, 64*3*7*7)),
		checkpoints.NewWeightTensor("fc.bias", []int{1000}, make([]float32, 1000)),
	}
	require.NoError(t, checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).
		SaveCheckpoint(&checkpoints.Checkpoint{Weights: weights}, in))

	cfg := config.DefaultConfig()
	cfg.Model.Architecture = "resnet18"
	err := convert(cfg, in, filepath.Join(dir, "out.onnx"), nil)
	assert.ErrorIs(t, err, checkpoints.ErrFoldedExport)
	assert.ErrorIs(t, err, checkpoints.ErrMissingWeight)
}
