package extract

import (
	"errors"
	"strings"
)

// ErrPageLimit marks a segment rejected by a tier for exceeding its hard
// page cap. Never retried on the same tier; falls straight through.
var ErrPageLimit = errors.New("segment exceeds tier page limit")

// ErrEmptyResult marks a tier that answered successfully but produced no
// usable field values. Treated like a transient error for fallthrough, but
// not retried on the same tier.
var ErrEmptyResult = errors.New("extraction returned no usable values")

type ErrorType string

const (
	ErrorPageLimit ErrorType = "page_limit"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorEmpty     ErrorType = "empty"
	ErrorPermanent ErrorType = "permanent"
)

// Classify buckets a tier error so callers can decide between retrying
// within the tier and falling through the chain.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrPageLimit) {
		return ErrorPageLimit
	}
	if errors.Is(err, ErrEmptyResult) {
		return ErrorEmpty
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "429"), strings.Contains(e, "rate limit"), strings.Contains(e, "resource exhausted"):
		return ErrorRate
	case strings.Contains(e, "timeout"), strings.Contains(e, "deadline"),
		strings.Contains(e, "temporarily"), strings.Contains(e, "unavailable"),
		strings.Contains(e, "connection re"), strings.Contains(e, "status 5"):
		return ErrorTransient
	default:
		return ErrorPermanent
	}
}

// Retryable reports whether another attempt on the same tier can help.
func (t ErrorType) Retryable() bool {
	return t == ErrorRate || t == ErrorTransient
}
