package vision

import (
	"context"
	"strings"
	"time"

	"github.com/clinicflow/flowbridge/log"
)

// DefaultSimulatedDelay is how long Simulated pretends to think.
const DefaultSimulatedDelay = 1500 * time.Millisecond

// SimulatedTarget is where Simulated finds the targets it recognizes.
var SimulatedTarget = Point{X: 220, Y: 350} //nolint:gochecknoglobals

// Simulated is a stand-in for a vision model. After a delay it "finds" any
// login control or button at SimulatedTarget, and nothing else.
type Simulated struct {
	Delay  time.Duration
	Logger *log.Logger
}

// NewSimulated returns a Simulated locator with the default delay.
func NewSimulated(logger *log.Logger) *Simulated {
	return &Simulated{Delay: DefaultSimulatedDelay, Logger: logger}
}

// Locate implements Locator.
func (s *Simulated) Locate(ctx context.Context, description string, _ []byte) (Point, bool, error) {
	s.Logger.Debugf("vision:simulated", "analyzing screenshot for %q", description)

	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return Point{}, false, ctx.Err() //nolint:wrapcheck
	}

	d := strings.ToLower(description)
	if strings.Contains(d, "login") || strings.Contains(d, "button") {
		s.Logger.Debugf("vision:simulated", "identified %q at %v", description, SimulatedTarget)
		return SimulatedTarget, true, nil
	}
	s.Logger.Warnf("vision:simulated", "%q not found in visual analysis", description)

	return Point{}, false, nil
}
