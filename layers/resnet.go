package layers

import (
	"fmt"
	"strings"
)

// BatchNormEps matches the torchvision default used by pretrained ResNets
const BatchNormEps = 1e-5

// ResNetConfig describes a ResNet variant. Zero values fall back to the
// ImageNet defaults: 224x224 RGB input, widths 64/128/256/512 and 1000 classes.
type ResNetConfig struct {
	Block      LayerType // BasicBlock or Bottleneck
	Layers     []int     // blocks per stage
	Widths     []int     // planes per stage
	StemWidth  int
	NumClasses int
	InputSize  int
	InChannels int
	BatchSize  int
}

// ResNet builds and compiles a ResNet with torchvision layer naming:
// conv1, bn1, relu, maxpool, layer1..layerN, avgpool, fc.
func ResNet(cfg ResNetConfig) (*ModelSpec, error) {
	if cfg.Block != BasicBlock && cfg.Block != Bottleneck {
		return nil, fmt.Errorf("unsupported ResNet block %s", cfg.Block)
	}
	if len(cfg.Layers) == 0 {
		return nil, fmt.Errorf("ResNet needs at least one stage")
	}
	if cfg.Widths == nil {
		cfg.Widths = []int{64, 128, 256, 512}
	}
	if len(cfg.Widths) < len(cfg.Layers) {
		return nil, fmt.Errorf("ResNet has %d stages but %d widths", len(cfg.Layers), len(cfg.Widths))
	}
	if cfg.StemWidth == 0 {
		cfg.StemWidth = cfg.Widths[0]
	}
	if cfg.NumClasses == 0 {
		cfg.NumClasses = 1000
	}
	if cfg.InputSize == 0 {
		cfg.InputSize = 224
	}
	if cfg.InChannels == 0 {
		cfg.InChannels = 3
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}

	builder := NewModelBuilder([]int{cfg.BatchSize, cfg.InChannels, cfg.InputSize, cfg.InputSize}).
		AddConv2D(cfg.StemWidth, 7, 2, 3, false, "conv1").
		AddBatchNorm(cfg.StemWidth, BatchNormEps, "bn1").
		AddReLU("relu").
		AddMaxPool2D(3, 2, 1, "maxpool")

	for stage, blocks := range cfg.Layers {
		if blocks <= 0 {
			return nil, fmt.Errorf("stage %d has %d blocks", stage+1, blocks)
		}
		for b := 0; b < blocks; b++ {
			stride := 1
			if stage > 0 && b == 0 {
				stride = 2
			}
			name := fmt.Sprintf("layer%d.%d", stage+1, b)
			if cfg.Block == BasicBlock {
				builder.AddBasicBlock(cfg.Widths[stage], stride, name)
			} else {
				builder.AddBottleneck(cfg.Widths[stage], stride, name)
			}
		}
	}

	return builder.
		AddGlobalAvgPool("avgpool").
		AddDense(cfg.NumClasses, true, "fc").
		Compile()
}

// ResNet18 builds the 18-layer ImageNet ResNet
func ResNet18(numClasses int) (*ModelSpec, error) {
	return ResNet(ResNetConfig{Block: BasicBlock, Layers: []int{2, 2, 2, 2}, NumClasses: numClasses})
}

// ResNet34 builds the 34-layer ImageNet ResNet
func ResNet34(numClasses int) (*ModelSpec, error) {
	return ResNet(ResNetConfig{Block: BasicBlock, Layers: []int{3, 4, 6, 3}, NumClasses: numClasses})
}

// ResNet50 builds the 50-layer ImageNet ResNet
func ResNet50(numClasses int) (*ModelSpec, error) {
	return ResNet(ResNetConfig{Block: Bottleneck, Layers: []int{3, 4, 6, 3}, NumClasses: numClasses})
}

// ResNet101 builds the 101-layer ImageNet ResNet
func ResNet101(numClasses int) (*ModelSpec, error) {
	return ResNet(ResNetConfig{Block: Bottleneck, Layers: []int{3, 4, 23, 3}, NumClasses: numClasses})
}

// ResNet152 builds the 152-layer ImageNet ResNet
func ResNet152(numClasses int) (*ModelSpec, error) {
	return ResNet(ResNetConfig{Block: Bottleneck, Layers: []int{3, 8, 36, 3}, NumClasses: numClasses})
}

// Architectures lists the names accepted by Architecture
var Architectures = []string{"resnet18", "resnet34", "resnet50", "resnet101", "resnet152"}

// Architecture builds a named ResNet ("resnet18" ... "resnet152")
func Architecture(name string, numClasses int) (*ModelSpec, error) {
	switch strings.ToLower(name) {
	case "resnet18":
		return ResNet18(numClasses)
	case "resnet34":
		return ResNet34(numClasses)
	case "resnet50":
		return ResNet50(numClasses)
	case "resnet101":
		return ResNet101(numClasses)
	case "resnet152":
		return ResNet152(numClasses)
	default:
		return nil, fmt.Errorf("unknown architecture %q", name)
	}
}
