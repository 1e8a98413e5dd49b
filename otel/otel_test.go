package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		proto   string
		wantErr error
	}{
		{name: "http", proto: "http"},
		{name: "grpc", proto: "GRPC"},
		{name: "unsupported", proto: "udp", wantErr: ErrUnsupportedProto},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tp, err := NewTraceProvider(context.Background(), tt.proto, "127.0.0.1:4318", true)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, tp.Tracer("test"))
			assert.NoError(t, tp.Shutdown(context.Background()))
		})
	}
}

func TestNoopTraceProvider(t *testing.T) {
	t.Parallel()

	tp := NewNoopTraceProvider()
	_, span := tp.Tracer("test").Start(context.Background(), "span")
	span.End()
	assert.False(t, span.IsRecording())
	assert.NoError(t, tp.Shutdown(context.Background()))
}
