package model

import (
	"errors"
)

var (
	// ErrEnvironment marks a failure to establish host identity or time.
	// Such a failure aborts the whole scan.
	ErrEnvironment = errors.New("environment failure")
	ErrNoMatch     = errors.New("no match")
	ErrTooBig      = errors.New("file too big")
)
