package jobs

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrValidation   = errors.New("validation failed")
	ErrInvalidState = errors.New("job is in a terminal state")
	ErrJobActive    = errors.New("job is already being executed")
)

const (
	ErrorCodeValidation  = "VALIDATION_ERROR"
	ErrorCodeLLMTimeout  = "LLM_TIMEOUT"
	ErrorCodeLLMResponse = "LLM_RESPONSE_ERROR"
	ErrorCodeStorage     = "STORAGE_ERROR"
	ErrorCodeInternal    = "INTERNAL_ERROR"
)
