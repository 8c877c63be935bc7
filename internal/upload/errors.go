package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a file rejected before any phase started.
	ErrValidation      = errors.New("upload: validation failed")
	ErrUnsupportedType = fmt.Errorf("%w: tipo de arquivo não permitido", ErrValidation)
	ErrTooLarge        = fmt.Errorf("%w: o arquivo excede o limite de 100MB", ErrValidation)
	ErrEmptyURL        = errors.New("upload: URL não recebida")
)

// PhaseError reports the phase that stopped an upload.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("upload: %s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// TransferStatusError is a non-2xx answer to the binary PUT or GET.
type TransferStatusError struct {
	StatusCode int
}

func (e *TransferStatusError) Error() string {
	return fmt.Sprintf("upload: transfer returned status %d", e.StatusCode)
}
