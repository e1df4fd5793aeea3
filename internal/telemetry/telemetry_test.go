// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"testing"

	"github.com/noldarim/launchpad/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	tracer, shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, "dev")
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "run")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_RecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(rec, "launchpad", "v1.2.3", 1.0)
	defer tp.Shutdown(context.Background())

	ctx, run := tp.Tracer(TracerName).Start(context.Background(), "run")
	_, step := tp.Tracer(TracerName).Start(ctx, "step checkout")
	step.End()
	run.End()

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "step checkout", spans[0].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	assert.Contains(t, spans[1].Resource().Attributes(), attribute.String("service.name", "launchpad"))
}

func TestNewProvider_ZeroRatioSamplesNothing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(rec, "launchpad", "dev", 0)
	defer tp.Shutdown(context.Background())

	_, span := tp.Tracer(TracerName).Start(context.Background(), "run")
	span.End()
	assert.Empty(t, rec.Ended())
}
