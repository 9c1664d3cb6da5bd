package models

// Error codes for adapter and pipeline failures. Retryability is fixed
// per code: validation, routing, dependency, and unsupported errors are
// permanent; runtime, timeout, and write errors may succeed on retry.
const (
	ErrValidationInput   = "E_VALIDATION_INPUT"
	ErrValidationRouting = "E_VALIDATION_ROUTING"
	ErrDependencyMissing = "E_DEPENDENCY_MISSING"
	ErrUnsupported       = "E_UNSUPPORTED"
	ErrModelRuntime      = "E_MODEL_RUNTIME"
	ErrTimeout           = "E_TIMEOUT"
	ErrIOWrite           = "E_IO_WRITE"
)

// AdapterError is the structured failure attached to events, the job,
// and the manifest errors list.
type AdapterError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail"`
	Retryable bool           `json:"retryable"`
}

// Error implements the error interface.
func (e *AdapterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Map renders the error in its wire form.
func (e *AdapterError) Map() map[string]any {
	detail := e.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	return map[string]any{
		"code":      e.Code,
		"message":   e.Message,
		"detail":    detail,
		"retryable": e.Retryable,
	}
}

// NewAdapterError builds an AdapterError with retryability derived
// from the code.
func NewAdapterError(code, message string, detail map[string]any) *AdapterError {
	return &AdapterError{
		Code:      code,
		Message:   message,
		Detail:    detail,
		Retryable: retryable(code),
	}
}

func retryable(code string) bool {
	switch code {
	case ErrModelRuntime, ErrTimeout, ErrIOWrite:
		return true
	default:
		return false
	}
}

// AdapterResult is the uniform outcome of one adapter run. OK results
// carry artifacts and meta; failed results carry Error.
type AdapterResult struct {
	OK        bool           `json:"ok"`
	Provider  string         `json:"provider"`
	Artifacts []AssetRef     `json:"artifacts"`
	Meta      map[string]any `json:"meta"`
	Warnings  []string       `json:"warnings"`
	Error     *AdapterError  `json:"error"`
}

// FailedResult builds the uniform failure result for a provider.
func FailedResult(provider string, warnings []string, err *AdapterError) *AdapterResult {
	return &AdapterResult{
		OK:        false,
		Provider:  provider,
		Artifacts: []AssetRef{},
		Meta:      map[string]any{},
		Warnings:  warnings,
		Error:     err,
	}
}
