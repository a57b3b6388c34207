package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kenhuangus/agent-payment-platform/pkg/errorir"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "paycore", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestNewProviderBadTLSFiles(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := New(ctx, &Config{Enabled: true, CAFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "test.operation", AttrRoute.String("/healthz"))
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "test.operation.error")
	finish(errors.New("boom"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "DENIED", errorCode(errorir.New(errorir.CodeDenied, "x", "")))
	assert.Equal(t, "INTERNAL", errorCode(errors.New("plain")))
	assert.Equal(t, "NOT_FOUND", errorCode(&HTTPStatusError{Status: 404, Code: "NOT_FOUND"}))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	_, err = NewLogger(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)

	text, err := NewLogger(&buf, "debug", "text")
	require.NoError(t, err)
	text.Debug("visible")
	assert.Contains(t, buf.String(), "msg=visible")
}

func TestAttributes(t *testing.T) {
	kv := AttrWorkflowID.String("wf_1")
	assert.Equal(t, attribute.Key("paycore.workflow.id"), kv.Key)
}
