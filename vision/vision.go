// Package vision locates click targets on a screenshot from a plain
// language description. It's the last resort when a selector stops
// matching.
package vision

import (
	"context"
)

// Point is a position in CSS pixels of the captured page.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Locator finds the element described by description on a PNG screenshot.
// Not finding it is a valid answer, reported as false with a nil error.
type Locator interface {
	Locate(ctx context.Context, description string, screenshot []byte) (Point, bool, error)
}

// LocatorFunc adapts a function to a Locator.
type LocatorFunc func(ctx context.Context, description string, screenshot []byte) (Point, bool, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context, description string, screenshot []byte) (Point, bool, error) {
	return f(ctx, description, screenshot)
}
