package visualization

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// mockHTTPServer creates a test HTTP server for plotting service tests
func mockHTTPServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(server.Close)
	return server
}

func testPlot() PlotData {
	return NewChannelScoresPlot("resnet18", "run-1", []float32{0.1, -0.2, 0.3}, DefaultGridOptions())
}

func enabledService(url string) *PlottingService {
	config := DefaultPlottingServiceConfig()
	config.BaseURL = url
	config.RetryDelay = time.Millisecond
	ps := NewPlottingService(config, nil)
	ps.Enable()
	return ps
}

func TestDefaultPlottingServiceConfig(t *testing.T) {
	config := DefaultPlottingServiceConfig()

	if config.BaseURL != "http://localhost:8080" {
		t.Errorf("Expected BaseURL http://localhost:8080, got %s", config.BaseURL)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("Expected timeout 30s, got %v", config.Timeout)
	}
	if config.RetryAttempts != 3 {
		t.Errorf("Expected retry attempts 3, got %d", config.RetryAttempts)
	}
}

func TestPlottingServiceEnableDisable(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig(), nil)

	if ps.IsEnabled() {
		t.Error("Service should be disabled initially")
	}
	ps.Enable()
	if !ps.IsEnabled() {
		t.Error("Service should be enabled after Enable()")
	}
	ps.Disable()
	if ps.IsEnabled() {
		t.Error("Service should be disabled after Disable()")
	}
}

func TestSendPlotDataDisabled(t *testing.T) {
	ps := NewPlottingService(DefaultPlottingServiceConfig(), nil)

	resp, err := ps.SendPlotData(context.Background(), testPlot())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.Success {
		t.Error("Expected success to be false when service is disabled")
	}
	if resp.Message != "Plotting service is disabled" {
		t.Errorf("Expected disabled message, got: %s", resp.Message)
	}
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected health check to fail when disabled")
	}
}

func TestSendPlotDataSuccess(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.URL.Path != "/api/plot" {
			t.Errorf("Expected path /api/plot, got %s", r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("User-Agent") != "go-gradcam" {
			t.Errorf("Expected User-Agent go-gradcam, got %s", r.Header.Get("User-Agent"))
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("Failed to read request body: %v", err)
			return
		}
		var received PlotData
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("Failed to unmarshal plot data: %v", err)
			return
		}
		if received.PlotType != ChannelScores || received.RunID != "run-1" {
			t.Errorf("Unexpected plot %s for run %s", received.PlotType, received.RunID)
		}
		if len(received.Series) != 1 || len(received.Series[0].Data) != 3 {
			t.Errorf("Unexpected series %+v", received.Series)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PlottingResponse{
			Success: true,
			Message: "Plot generated successfully",
			PlotURL: "/plots/123",
			PlotID:  "plot_123",
		})
	})

	resp, err := enabledService(server.URL).SendPlotData(context.Background(), testPlot())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !resp.Success || resp.PlotID != "plot_123" || resp.PlotURL != "/plots/123" {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestSendPlotDataHTTPError(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(PlottingResponse{Success: false, Message: "Invalid plot data", ErrorCode: "INVALID_DATA"})
	})

	resp, err := enabledService(server.URL).SendPlotData(context.Background(), testPlot())
	if err == nil {
		t.Fatal("Expected error for HTTP 400")
	}
	if !strings.Contains(err.Error(), "status 400") {
		t.Errorf("Expected status in error, got %v", err)
	}
	if resp == nil || resp.ErrorCode != "INVALID_DATA" {
		t.Errorf("Expected decoded error response, got %+v", resp)
	}
}

func TestSendPlotDataInvalidJSON(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := enabledService(server.URL).SendPlotData(context.Background(), testPlot())
	if err == nil || !strings.Contains(err.Error(), "failed to parse response JSON") {
		t.Errorf("Expected parse error, got %v", err)
	}
}

func TestSendPlotDataNonJSONErrorPage(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("<html><body><h1>502 Bad Gateway</h1></body></html>\n"))
	})

	ps := enabledService(server.URL)
	_, err := ps.SendPlotData(context.Background(), testPlot())
	if err == nil {
		t.Fatal("Expected error for 502 reply")
	}
	if !strings.Contains(err.Error(), "status 502") {
		t.Errorf("Expected status in error, got %v", err)
	}
	if !strings.Contains(err.Error(), "502 Bad Gateway") {
		t.Errorf("Expected reply body in error, got %v", err)
	}

	status, err := ps.post(context.Background(), "/api/plot", testPlot(), &PlottingResponse{})
	if err == nil || status != http.StatusBadGateway {
		t.Errorf("Expected status 502 with error, got %d, %v", status, err)
	}
}

func TestBodySnippet(t *testing.T) {
	if got := bodySnippet([]byte("  short\n")); got != "short" {
		t.Errorf("Expected trimmed body, got %q", got)
	}
	got := bodySnippet([]byte(strings.Repeat("x", 300)))
	if len(got) != 131 || !strings.HasSuffix(got, "...") {
		t.Errorf("Expected 128 bytes plus ellipsis, got %d bytes", len(got))
	}
}

func TestSendPlotDataWithRetry(t *testing.T) {
	var calls int32
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(PlottingResponse{Message: "busy"})
			return
		}
		json.NewEncoder(w).Encode(PlottingResponse{Success: true, PlotID: "late"})
	})

	resp, err := enabledService(server.URL).SendPlotDataWithRetry(context.Background(), testPlot())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.PlotID != "late" {
		t.Errorf("Expected plot ID late, got %s", resp.PlotID)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestSendPlotDataWithRetryExhausted(t *testing.T) {
	var calls int32
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(PlottingResponse{Message: "down"})
	})

	_, err := enabledService(server.URL).SendPlotDataWithRetry(context.Background(), testPlot())
	if err == nil || !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Expected exhausted retries, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestSendPlotDataCanceled(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PlottingResponse{Success: true})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := enabledService(server.URL).SendPlotData(ctx, testPlot())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestBatchSendPlots(t *testing.T) {
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/batch-plot" {
			t.Errorf("Expected path /api/batch-plot, got %s", r.URL.Path)
		}
		var payload struct {
			Plots []PlotData `json:"plots"`
			Batch bool       `json:"batch"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("Failed to decode batch: %v", err)
		}
		json.NewEncoder(w).Encode(BatchPlottingResponse{
			Success: true,
			BatchID: "b1",
			Summary: BatchSummary{TotalPlots: len(payload.Plots), Successful: len(payload.Plots)},
		})
	})

	heat, err := NewSaliencyPlot("resnet18", "run-1", "saliency", mapTensor(t, []int{1, 1, 2, 2}, []float32{0, 1, 2, 3}))
	if err != nil {
		t.Fatalf("NewSaliencyPlot failed: %v", err)
	}
	resp, err := enabledService(server.URL).BatchSendPlots(context.Background(), []PlotData{heat, testPlot()})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.BatchID != "b1" || resp.Summary.TotalPlots != 2 {
		t.Errorf("Unexpected batch response %+v", resp)
	}
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := mockHTTPServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Expected path /health, got %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	ps := enabledService(server.URL)
	if err := ps.CheckHealth(context.Background()); err != nil {
		t.Errorf("Expected healthy service, got %v", err)
	}
	healthy.Store(false)
	if err := ps.CheckHealth(context.Background()); err == nil {
		t.Error("Expected error for unhealthy service")
	}
}

func TestNewSaliencyPlot(t *testing.T) {
	plot, err := NewSaliencyPlot("m", "r", "title", mapTensor(t, []int{1, 1, 2, 3}, []float32{0, 1, 2, 3, 4, 5}))
	if err != nil {
		t.Fatalf("NewSaliencyPlot failed: %v", err)
	}
	if plot.PlotType != SaliencyHeatmap || plot.Series[0].Type != "heatmap" {
		t.Errorf("Unexpected plot %s / %s", plot.PlotType, plot.Series[0].Type)
	}
	data := plot.Series[0].Data
	if len(data) != 6 {
		t.Fatalf("Expected 6 points, got %d", len(data))
	}
	if data[4].X != 1 || data[4].Y != 1 || data[4].Z != float32(4) {
		t.Errorf("Unexpected point %+v", data[4])
	}

	if _, err := NewSaliencyPlot("m", "r", "t", mapTensor(t, []int{1, 2, 1, 1}, []float32{0, 1})); err == nil {
		t.Error("Expected error for multi-channel map")
	}

	if _, err := plot.ToJSON(); err != nil {
		t.Errorf("ToJSON failed: %v", err)
	}
}

func TestNewChannelScoresPlot(t *testing.T) {
	scores := make([]float32, 200)
	plot := NewChannelScoresPlot("m", "r", scores, DefaultGridOptions())

	data := plot.Series[0].Data
	if len(data) != 200 {
		t.Fatalf("Expected 200 bars, got %d", len(data))
	}
	// Channels 5 and 105 are in the grid, 6 is not
	if data[5].Label != "grid" || data[105].Label != "grid" || data[6].Label != "" {
		t.Errorf("Unexpected grid labels: %q %q %q", data[5].Label, data[105].Label, data[6].Label)
	}
	if plot.Metrics["channels"] != 200 {
		t.Errorf("Expected channel count metric, got %v", plot.Metrics["channels"])
	}
}
