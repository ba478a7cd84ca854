package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrAborted             = errors.New("aborted")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)

// Code is a stable identifier for programmatic handling of a failure.
type Code string

const (
	CodeAnalysisInputImageMissing Code = "ANALYSIS_INPUT_IMAGE_MISSING"
	CodeAnalysisModelImageMissing Code = "ANALYSIS_MODEL_IMAGE_MISSING"
	CodeAnalysisJSONParseFailed   Code = "ANALYSIS_JSON_PARSE_FAILED"
	CodeInsufficientCredits       Code = "INSUFFICIENT_CREDITS"
	CodeImageSourceMissing        Code = "IMAGE_INPUT_SOURCE_MISSING"
	CodeImagePromptMissing        Code = "IMAGE_INPUT_PROMPT_MISSING"
	CodeStorageUploadFailed       Code = "STORAGE_UPLOAD_FAILED"
	CodeImageResultMissing        Code = "IMAGE_RESULT_MISSING"
	CodeUpstreamError             Code = "UPSTREAM_ERROR"
	CodeUpstreamTimeout           Code = "UPSTREAM_TIMEOUT"
	CodeModelUnavailable          Code = "MODEL_UNAVAILABLE"
	CodeInvalidImageResponse      Code = "QN_IMAGE_INVALID_RESPONSE"
	CodeImageRatioMismatch        Code = "IMAGE_RATIO_MISMATCH"
	CodeBatchPartialFailed        Code = "BATCH_PARTIAL_FAILED"
	CodeBatchAllFailed            Code = "BATCH_ALL_FAILED"
	CodeSkipped                   Code = "SKIPPED"
	CodeInvalidPayload            Code = "INVALID_PAYLOAD"
	CodeUnsupportedJobType        Code = "UNSUPPORTED_JOB_TYPE"
	CodeAborted                   Code = "ABORTED"
	CodeInternal                  Code = "INTERNAL_ERROR"
)

type codeInfo struct {
	retryable bool
	fatal     bool
	message   string
}

// codeTable holds the retry and fatal classification of every code. Fatal
// codes stop a batch from starting further units.
var codeTable = map[Code]codeInfo{
	CodeAnalysisInputImageMissing: {retryable: true, message: "No product image was provided for analysis."},
	CodeAnalysisModelImageMissing: {retryable: true, message: "The model image required for this analysis mode is missing."},
	CodeAnalysisJSONParseFailed:   {retryable: true, message: "The analysis result could not be read. Please try again."},
	CodeInsufficientCredits:       {fatal: true, message: "Not enough credits to complete this request."},
	CodeImageSourceMissing:        {fatal: true, message: "A required source image is missing."},
	CodeImagePromptMissing:        {fatal: true, message: "A prompt is required to generate an image."},
	CodeStorageUploadFailed:       {retryable: true, message: "The generated image could not be saved."},
	CodeImageResultMissing:        {retryable: true, message: "The image service returned no image."},
	CodeUpstreamError:             {retryable: true, message: "The image service failed. Please try again."},
	CodeUpstreamTimeout:           {retryable: true, message: "The image service took too long to respond."},
	CodeModelUnavailable:          {fatal: true, message: "The selected model is not available."},
	CodeInvalidImageResponse:      {retryable: true, message: "The image service returned an unreadable response."},
	CodeImageRatioMismatch:        {retryable: true, message: "The generated image did not match the requested aspect ratio."},
	CodeBatchPartialFailed:        {message: "Some images in this batch could not be generated."},
	CodeBatchAllFailed:            {retryable: true, message: "None of the images in this batch could be generated."},
	CodeSkipped:                   {message: "Skipped after an earlier unrecoverable error."},
	CodeInvalidPayload:            {message: "The request parameters are invalid."},
	CodeUnsupportedJobType:        {message: "This job type is not supported."},
	CodeAborted:                   {retryable: true, message: "The operation was cancelled."},
	CodeInternal:                  {retryable: true, message: "Something went wrong. Please try again."},
}

// Error is the structured failure carried from processors to the claim
// controller and, when terminal, to the job row.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Fatal     bool
	Err       error
}

// NewError builds an Error with the default classification for code.
func NewError(code Code, message string) *Error {
	info := codeTable[code]
	if message == "" {
		message = info.message
	}
	return &Error{Code: code, Message: message, Retryable: info.retryable, Fatal: info.fatal}
}

// WrapError is NewError with an underlying cause.
func WrapError(code Code, err error, message string) *Error {
	e := NewError(code, message)
	e.Err = err
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAborted) and errors.Is(err, ErrInsufficientCredits)
// match coded errors without a wrapped sentinel.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAborted:
		return e.Code == CodeAborted
	case ErrInsufficientCredits:
		return e.Code == CodeInsufficientCredits
	}
	return false
}

// AsError extracts the coded error from an error chain.
func AsError(err error) (*Error, bool) {
	var coded *Error
	if errors.As(err, &coded) && coded != nil {
		return coded, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if coded, ok := AsError(err); ok {
		return coded.Code
	}
	return CodeInternal
}

// MessageOf returns the display message for err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if coded, ok := AsError(err); ok && coded.Message != "" {
		return coded.Message
	}
	return codeTable[CodeInternal].message
}

// IsRetryable reports whether the controller may requeue after err. Uncoded
// errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if coded, ok := AsError(err); ok {
		return coded.Retryable
	}
	return true
}

// IsFatal reports whether err invalidates the remaining units of a batch.
func IsFatal(err error) bool {
	if coded, ok := AsError(err); ok {
		return coded.Fatal
	}
	return false
}

// DefaultMessage returns the display message registered for code.
func DefaultMessage(code Code) string {
	return codeTable[code].message
}
