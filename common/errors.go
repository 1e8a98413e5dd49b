package common

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

// ErrNoPage is returned when the browser has no page a run could start on.
var ErrNoPage = errors.New("no open page")

// ErrTabGone is returned when a tab disappears while it's being set up.
var ErrTabGone = errors.New("tab closed while attaching")

// AttachError is returned when a debugging session can't be attached to a
// tab.
type AttachError struct {
	TabID target.ID
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching to tab %s: %v", e.TabID, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// DetachError is returned when a debugging session can't be detached from a
// tab. The session is still considered attached.
type DetachError struct {
	TabID target.ID
	Err   error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("detaching from tab %s: %v", e.TabID, e.Err)
}

func (e *DetachError) Unwrap() error { return e.Err }

// CommandError is returned when a protocol command sent to a tab fails.
type CommandError struct {
	Method string
	TabID  target.ID
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("executing %s on tab %s: %v", e.Method, e.TabID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ShadowTabCreationError is returned when a shadow tab can't be opened or
// attached to.
type ShadowTabCreationError struct {
	URL string
	Err error
}

func (e *ShadowTabCreationError) Error() string {
	return fmt.Sprintf("creating shadow tab at %q: %v", e.URL, e.Err)
}

func (e *ShadowTabCreationError) Unwrap() error { return e.Err }

// ElementNotFoundError is returned when a selector matches nothing in a tab.
type ElementNotFoundError struct {
	TabID    target.ID
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("Element %s not found", e.Selector)
}
