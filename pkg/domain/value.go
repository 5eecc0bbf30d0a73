package domain

// Regex is a regular-expression value. Options are the wire format's
// single-letter flags in alphabetical order (e.g. "im").
type Regex struct {
	Pattern string
	Options string
}

// Code is a code-string value.
type Code string

// MinKey sorts before every other value.
type MinKey struct{}

// MaxKey sorts after every other value.
type MaxKey struct{}
