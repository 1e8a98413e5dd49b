package js

import (
	_ "embed"
)

// ReadValueScript is a function expression that takes a CSS selector and
// returns the value of the matching form control, or its text when it has
// no value. It returns null when nothing matches.
//
//go:embed read_value.js
var ReadValueScript string
