package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Tracer())

	_, span := p.Tracer().Start(context.Background(), SpanStartWorkflow)
	require.False(t, span.IsRecording())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_RejectsUnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestNewProvider_FileExporterNeedsPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile})
	require.Error(t, err)
}

func TestFileExporter_WritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	exporter, err := NewFileExporter(path)
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := tp.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), SpanStartWorkflow)
	parent.SetAttributes(
		attribute.String(AttrSessionID, "sess-1"),
		attribute.String(AttrWorkflowName, "research"),
	)
	_, child := tracer.Start(ctx, SpanSpawnAgent)
	child.AddEvent(EventAgentReady)
	child.End()
	parent.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, exporter.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2, "child then parent")

	require.Equal(t, SpanSpawnAgent, records[0].Name)
	require.NotEmpty(t, records[0].ParentSpanID)
	require.Len(t, records[0].Events, 1)
	require.Equal(t, EventAgentReady, records[0].Events[0].Name)

	require.Equal(t, SpanStartWorkflow, records[1].Name)
	require.Equal(t, "sess-1", records[1].Attributes[AttrSessionID])
	require.Equal(t, records[1].TraceID, records[0].TraceID, "same trace")
}
