package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithExporterInstallsOnce(t *testing.T) {
	first := tracetest.NewInMemoryExporter()
	second := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("test", first))
	require.NoError(t, InitWithExporter("test", second))

	_, span := otel.Tracer(ScopeName).Start(context.Background(), "probe")
	span.End()

	assert.Len(t, first.GetSpans(), 1)
	assert.Empty(t, second.GetSpans())
	assert.NoError(t, InitWithExporter("test", nil))
}
