package runner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoActiveTab is returned by the bridge when it isn't given the tab to
// extract from.
var ErrNoActiveTab = errors.New("active tab ID required for extraction")

// StepValidationError is returned when a step lacks something its action
// requires: a parameter, or a working tab.
type StepValidationError struct {
	StepID string
	Action string
	Reason string
}

func (e *StepValidationError) Error() string {
	return fmt.Sprintf("step %q: %s", e.StepID, e.Reason)
}

// SelectorNotFoundError is returned when a selector can't be resolved to a
// point on the page. The runner recovers from it by healing.
type SelectorNotFoundError struct {
	Selector string
	Err      error
}

func (e *SelectorNotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("selector %q: %v", e.Selector, e.Err)
	}
	return fmt.Sprintf("selector %q not found", e.Selector)
}

func (e *SelectorNotFoundError) Unwrap() error { return e.Err }

// HealingFailedError is returned when a CLICK target couldn't be found by
// its selector nor by the vision locator.
type HealingFailedError struct {
	StepID      string
	Description string
	// Selector is why the selector failed.
	Selector error
	// Vision is why the vision locator failed. It's nil when the locator
	// ran but found nothing.
	Vision error
}

func (e *HealingFailedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %q: CLICK missing coordinates and healing failed: ", e.StepID)
	if e.Selector != nil {
		fmt.Fprintf(&b, "%v; ", e.Selector)
	}
	if e.Vision != nil {
		fmt.Fprintf(&b, "vision locator failed for %q: %v", e.Description, e.Vision)
	} else {
		fmt.Fprintf(&b, "vision locator could not find %q", e.Description)
	}
	return b.String()
}

func (e *HealingFailedError) Unwrap() []error {
	var errs []error
	if e.Selector != nil {
		errs = append(errs, e.Selector)
	}
	if e.Vision != nil {
		errs = append(errs, e.Vision)
	}
	return errs
}

// MissingExtractedFieldError is returned by the bridge when extraction
// produced no value for a required field.
type MissingExtractedFieldError struct {
	Fields []string
}

func (e *MissingExtractedFieldError) Error() string {
	return "failed to extract " + strings.Join(e.Fields, ", ")
}
