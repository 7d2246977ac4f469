package config

import "github.com/pkg/errors"

var ErrInvalid = errors.New("invalid configuration")

// Error reports a variable that could not be resolved to a usable value.
type Error struct {
	Var    string
	Value  string
	Reason string
}

func (e *Error) Error() string {
	return "config " + e.Var + "=" + quote(e.Value) + ": " + e.Reason
}

func (e *Error) Is(target error) bool { return target == ErrInvalid }

func quote(s string) string {
	if s == "" {
		return `""`
	}
	return s
}
