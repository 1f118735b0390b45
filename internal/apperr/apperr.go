package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category buckets error codes for HTTP status mapping. The HTTP layer is
// the single place that turns a Category into a status code.
type Category string

const (
	CategoryUserInput   Category = "USER_INPUT"
	CategoryNotFound    Category = "RESOURCE_NOT_FOUND"
	CategoryExternalAPI Category = "EXTERNAL_API"
	CategoryRateLimit   Category = "RATE_LIMIT"
	CategoryInternal    Category = "INTERNAL_SERVER"
	CategoryControl     Category = "CONTROL"
)

// Error codes the core distinguishes. Workers produce these; nothing above
// the handlers layer invents new ones ad hoc.
const (
	CodeValidationFailed     = "validation_failed"
	CodeInvalidUIDFormat     = "invalid_uid_format"
	CodeInvalidUserInput     = "invalid_user_input"
	CodeInvalidVideoDuration = "invalid_video_duration"
	CodeImageSizeExceeded    = "image_size_exceeded"

	CodeUIDNotFound     = "uid_not_found"
	CodeSessionNotFound = "session_not_found"
	CodeAssetNotFound   = "asset_not_found"
	CodeJobNotFound     = "job_not_found"
	CodeVideoNotFound   = "video_not_found"

	CodeAPIUnavailable       = "api_unavailable"
	CodeVideoAPIUnavailable  = "video_api_unavailable"
	CodeAPIRateLimited       = "api_rate_limited"
	CodeNetworkError         = "network_error"
	CodeTransformationFailed = "transformation_failed"
	CodeVideoGenFailed       = "video_generation_failed"
	CodeVideoGenTimeout      = "VIDEO_GENERATION_TIMEOUT"
	CodeVideoImageRequired   = "VIDEO_IMAGE_REQUIRED"

	CodeUserNotFound           = "user_not_found"
	CodeAvatar3DUnavailable    = "avatar_3d_unavailable"
	CodeAvatarProcessingFailed = "AVATAR_PROCESSING_FAILED"
	CodeDownloadFailed         = "download_failed"
	CodeJobTimeout             = "JOB_TIMEOUT"

	CodeStorageError        = "storage_error"
	CodePermissionDenied    = "permission_denied"
	CodeUIDGenerationFailed = "uid_generation_failed"
	CodeCommandFailed       = "command_failed"
	CodeConnectionFailed    = "connection_failed"
	CodeCommandTimeout      = "command_timeout"
	CodeUnknownCommand      = "unknown_command"

	CodeJobCancelled = "job_cancelled"
	CodeJobQueueFull = "job_queue_full"
)

type Error struct {
	Code       string
	Category   Category
	Message    string
	Suggestion string
	RetryAfter int // seconds, only for rate-limit errors
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Category {
	case CategoryUserInput:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryExternalAPI:
		return http.StatusBadGateway
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryControl:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func New(category Category, code, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

func Wrap(category Category, code string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Category: category, Message: msg, Err: err}
}

func UserInput(code, message string) *Error {
	return New(CategoryUserInput, code, message)
}

func NotFound(code, message string) *Error {
	return New(CategoryNotFound, code, message)
}

func External(code, message string) *Error {
	return New(CategoryExternalAPI, code, message)
}

func RateLimited(message string, retryAfter int) *Error {
	return &Error{Code: CodeAPIRateLimited, Category: CategoryRateLimit, Message: message, RetryAfter: retryAfter}
}

func Internal(code string, err error) *Error {
	return Wrap(CategoryInternal, code, err)
}

func Cancelled(message string) *Error {
	return New(CategoryControl, CodeJobCancelled, message)
}

// As unwraps err to an *Error, or wraps unknown errors as internal
// command_failed so every failure surfaced to a caller has a code.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(CategoryInternal, CodeCommandFailed, err)
}

func IsCode(err error, code string) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
