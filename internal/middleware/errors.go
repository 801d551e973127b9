package middleware

import (
	"errors"
	"fmt"
)

// ErrInvalidOutput matches every InvalidOutputError.
var ErrInvalidOutput = errors.New("invalid middleware output")

// Phase names the chain stage a handler ran in.
type Phase string

// Chain phases.
const (
	PhaseRequest   Phase = "process_request"
	PhaseResponse  Phase = "process_response"
	PhaseException Phase = "process_exception"
)

// InvalidOutputError reports a handler that broke the result contract.
type InvalidOutputError struct {
	Middleware string
	Phase      Phase
	Got        string
}

func (e *InvalidOutputError) Error() string {
	allowed := "nothing, Response or Request"
	if e.Phase == PhaseResponse {
		allowed = "Response or Request"
	}
	return fmt.Sprintf("%s: middleware %s.%s must return %s, got %s",
		ErrInvalidOutput, e.Middleware, e.Phase, allowed, e.Got)
}

// Is lets errors.Is match ErrInvalidOutput.
func (e *InvalidOutputError) Is(target error) bool {
	return target == ErrInvalidOutput
}
