package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"go.opentelemetry.io/otel/metric"
)

func TestMetricsCarryPipelineResourceAndRefineBuckets(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Mode = "mock"
	cfg.Refine.Mode = "whisper"
	ctx := context.Background()

	res, err := pipelineResource(ctx, cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	provider, handler, err := initMetrics(res, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || handler == nil {
		t.Fatalf("metrics: %v", err)
	}
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	hist, err := provider.Meter("test").Float64Histogram("scribe.refine.duration", metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(ctx, 12)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`scribe_refine_duration_seconds_bucket`,
		`le="15"`,
		`le="60"`,
		`scribe_refine_mode="whisper"`,
		`scribe_stt_mode="mock"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %s:\n%s", want, body)
		}
	}
	if strings.Contains(body, `le="7500"`) {
		t.Fatal("default millisecond buckets should be replaced for refine duration")
	}
}
