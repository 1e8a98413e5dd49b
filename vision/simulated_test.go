package vision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicflow/flowbridge/log"
)

func TestSimulatedLocate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		description string
		found       bool
	}{
		{description: "Login Button", found: true},
		{description: "the blue submit BUTTON", found: true},
		{description: "login link", found: true},
		{description: "patient name field", found: false},
		{description: "", found: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.description, func(t *testing.T) {
			t.Parallel()

			s := &Simulated{Delay: time.Millisecond, Logger: log.NewNullLogger()}
			p, found, err := s.Locate(context.Background(), tt.description, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, Point{X: 220, Y: 350}, p)
			}
		})
	}
}

func TestSimulatedLocateCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewSimulated(log.NewNullLogger())
	_, found, err := s.Locate(ctx, "login", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, found)
}
