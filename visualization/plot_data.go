package visualization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tsawler/go-gradcam/tensor"
)

// PlotType represents the kinds of plots sent to the sidecar
type PlotType string

const (
	SaliencyHeatmap PlotType = "saliency_heatmap"
	ChannelScores   PlotType = "channel_scores"
)

// PlotData represents the universal JSON format for the sidecar plotting service
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`
	RunID     string    `json:"run_id,omitempty"`

	Series []SeriesData `json:"series"`

	Config PlotConfig `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "heatmap", "bar"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	ZAxisLabel    string                 `json:"z_axis_label,omitempty"`
	XAxisScale    string                 `json:"x_axis_scale"`
	YAxisScale    string                 `json:"y_axis_scale"`
	ShowLegend    bool                   `json:"show_legend"`
	ShowGrid      bool                   `json:"show_grid"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	Interactive   bool                   `json:"interactive"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

// NewSaliencyPlot builds a heatmap of a [1, 1, H, W] saliency map at its
// native resolution. Row 0 is the top of the image.
func NewSaliencyPlot(modelName, runID, title string, saliency *tensor.Tensor) (PlotData, error) {
	if saliency == nil || len(saliency.Shape) != 4 || saliency.Shape[0] != 1 || saliency.Shape[1] != 1 {
		return PlotData{}, fmt.Errorf("expected a [1, 1, H, W] map")
	}
	values, err := saliency.GetFloat32Data()
	if err != nil {
		return PlotData{}, err
	}
	h, w := saliency.Shape[2], saliency.Shape[3]

	data := make([]DataPoint, 0, len(values))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data = append(data, DataPoint{X: x, Y: y, Z: values[y*w+x]})
		}
	}

	return PlotData{
		PlotType:  SaliencyHeatmap,
		Title:     title,
		Timestamp: time.Now(),
		ModelName: modelName,
		RunID:     runID,
		Series: []SeriesData{
			{
				Name: "Saliency",
				Type: "heatmap",
				Data: data,
				Style: map[string]interface{}{
					"colorscale": "Jet",
				},
			},
		},
		Config: PlotConfig{
			XAxisLabel:  "Column",
			YAxisLabel:  "Row",
			ZAxisLabel:  "Saliency",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			Width:       600,
			Height:      600,
			Interactive: true,
			CustomOptions: map[string]interface{}{
				"reverse_y": true,
			},
		},
	}, nil
}

// NewChannelScoresPlot builds a bar chart of the Grad-CAM weight of every
// channel, highlighting the ones shown in the feature grid
func NewChannelScoresPlot(modelName, runID string, scores []float32, grid GridOptions) PlotData {
	shown := make(map[int]bool)
	if len(scores) > 0 {
		for _, ch := range grid.Channels(len(scores)) {
			shown[ch] = true
		}
	}

	data := make([]DataPoint, len(scores))
	for i, s := range scores {
		p := DataPoint{X: i, Y: s}
		if shown[i] {
			p.Label = "grid"
		}
		data[i] = p
	}

	return PlotData{
		PlotType:  ChannelScores,
		Title:     fmt.Sprintf("Channel weights - %s", modelName),
		Timestamp: time.Now(),
		ModelName: modelName,
		RunID:     runID,
		Series: []SeriesData{
			{Name: "Weight", Type: "bar", Data: data},
		},
		Config: PlotConfig{
			XAxisLabel:  "Channel",
			YAxisLabel:  "Mean gradient",
			XAxisScale:  "linear",
			YAxisScale:  "linear",
			ShowGrid:    true,
			Width:       900,
			Height:      400,
			Interactive: true,
		},
		Metrics: map[string]interface{}{
			"channels": len(scores),
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}
