package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// ErrorType represents a category of batch write error for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCanceled represents a canceled request context
	ErrorTypeCanceled ErrorType = "canceled"
	// ErrorTypeThrottled represents capacity and rate limiting errors
	ErrorTypeThrottled ErrorType = "throttled"
	// ErrorTypeValidation represents requests the backend rejected as malformed
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeServerError represents server-side faults (5xx)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents other client-side faults (4xx)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// ErrRetriesExhausted matches every *RetryExhaustedError via errors.Is.
var ErrRetriesExhausted = errors.New("batch write retries exhausted")

// ExportError is a classified failure of a single BatchWriteItem call.
type ExportError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// Code is the backend error code, empty for transport errors.
	Code string
	// StatusCode is the HTTP status code, 0 when no response was received.
	StatusCode int
}

// Error implements the error interface.
func (e *ExportError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("batch write error: type=%s code=%s status=%d", e.Type, e.Code, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExportError) Unwrap() error {
	return e.Err
}

// IsThrottled reports whether the backend refused the call for capacity reasons.
func (e *ExportError) IsThrottled() bool {
	return e.Type == ErrorTypeThrottled
}

// RetryExhaustedError is returned by Client.Send when it stops retrying with
// items still undelivered.
type RetryExhaustedError struct {
	// Attempts is the number of BatchWriteItem calls issued.
	Attempts int
	// Remaining holds the write requests that were never acknowledged.
	Remaining []types.WriteRequest
	// Err is the last call error, nil when the last call only reported
	// unprocessed items.
	Err error
}

func (e *RetryExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("batch write gave up after %d attempts with %d items pending: %v", e.Attempts, len(e.Remaining), e.Err)
	}
	return fmt.Sprintf("batch write gave up after %d attempts with %d items unprocessed", e.Attempts, len(e.Remaining))
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrRetriesExhausted) hold.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// throttleCodes are the DynamoDB error codes that mean "slow down".
var throttleCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
}

// classify wraps err into an ExportError. Every class is retried by the
// client; the type only feeds metrics and logs.
func classify(err error) *ExportError {
	var exportErr *ExportError
	if errors.As(err, &exportErr) {
		return exportErr
	}

	e := &ExportError{Err: err, Type: ErrorTypeUnknown}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		e.StatusCode = status.HTTPStatusCode()
	}

	switch {
	case errors.Is(err, context.Canceled):
		e.Type = ErrorTypeCanceled
		return e
	case errors.Is(err, context.DeadlineExceeded):
		e.Type = ErrorTypeTimeout
		return e
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		e.Code = apiErr.ErrorCode()
		switch {
		case throttleCodes[e.Code]:
			e.Type = ErrorTypeThrottled
		case e.Code == "ValidationException":
			e.Type = ErrorTypeValidation
		case apiErr.ErrorFault() == smithy.FaultServer:
			e.Type = ErrorTypeServerError
		case apiErr.ErrorFault() == smithy.FaultClient:
			e.Type = ErrorTypeClientError
		default:
			e.Type = typeFromStatus(e.StatusCode)
		}
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			e.Type = ErrorTypeTimeout
		} else {
			e.Type = ErrorTypeNetwork
		}
		return e
	}

	e.Type = typeFromStatus(e.StatusCode)
	return e
}

func typeFromStatus(code int) ErrorType {
	switch {
	case code == 429:
		return ErrorTypeThrottled
	case code >= 500:
		return ErrorTypeServerError
	case code >= 400:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}
