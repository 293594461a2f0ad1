package automation

import "errors"

var (
	ErrAutomationNotFound = errors.New("automation not found")
	ErrTriggerNotFound    = errors.New("automation has no trigger step")
	ErrTriggerHasNoChild  = errors.New("trigger step has no child step")
	ErrUnknownSubtype     = errors.New("no runner for step subtype")
	ErrInvalidPayload     = errors.New("invalid job payload")
)
