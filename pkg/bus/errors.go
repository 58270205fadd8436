package bus

import "errors"

// Wire error codes. These surface inside the response envelope as
// {error: {code, message}} and are part of the client contract.
const (
	CodeInvalidJSON   = "INVALID_JSON"
	CodeInvalidEvent  = "INVALID_EVENT"
	CodeValidation    = "VALIDATION"
	CodeNotFound      = "NOT_FOUND"
	CodeHandlerError  = "HANDLER_ERROR"
	CodeTimeout       = "TIMEOUT"
	CodeProviderError = "PROVIDER_ERROR"
	CodeCancelled     = "CANCELLED"
)

// ErrDuplicateSubscription indicates a subscription id collision.
var ErrDuplicateSubscription = errors.New("duplicate subscription id")

// ErrPoolClosed indicates the router was shut down.
var ErrPoolClosed = errors.New("router is shut down")

// ErrorResult builds the wire error envelope returned to callers.
func ErrorResult(code, message string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// ErrorDetail builds an error envelope with extra fields (e.g. the failing
// handler's name) merged into the error object.
func ErrorDetail(code, message string, extra map[string]any) map[string]any {
	detail := map[string]any{
		"code":    code,
		"message": message,
	}
	for k, v := range extra {
		detail[k] = v
	}
	return map[string]any{"error": detail}
}

// IsErrorResult reports whether a handler result is an error envelope.
func IsErrorResult(result map[string]any) bool {
	if result == nil {
		return false
	}
	_, ok := result["error"]
	return ok
}
