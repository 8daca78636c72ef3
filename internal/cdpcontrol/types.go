package cdpcontrol

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
)

const (
	CodeValidation     = "VALIDATION"
	CodeTargetNotFound = "TARGET_NOT_FOUND"
	CodeEvalFailure    = "EVAL_FAILURE"
	CodeEvalTimeout    = "EVAL_TIMEOUT"
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NewValidationError returns a CodedError with CodeValidation.
func NewValidationError(msg string) error {
	return newError(CodeValidation, msg, nil)
}

// NewTargetNotFoundError returns a CodedError with CodeTargetNotFound.
func NewTargetNotFoundError(id target.ID) error {
	return newError(CodeTargetNotFound, fmt.Sprintf("no open tab %q", id), nil)
}

// TabInfo describes an open page target. Listing does not fetch anything
// beyond what /json/list already reports.
type TabInfo struct {
	TargetID target.ID `json:"target_id"`
	URL      string    `json:"url"`
	Title    string    `json:"title,omitempty"`
}

// ScriptHandle evaluates scripts in one target's page context.
type ScriptHandle interface {
	Evaluate(ctx context.Context, js string) error
}

// TargetEvent is a page-target lifecycle notification from the browser.
type TargetEvent struct {
	Type     TargetEventType
	TargetID target.ID
	URL      string
}

// TargetEventType enumerates the Target domain events the client forwards.
type TargetEventType int

const (
	TargetCreated TargetEventType = iota
	TargetInfoChanged
	TargetDestroyed
)

func (t TargetEventType) String() string {
	switch t {
	case TargetCreated:
		return "created"
	case TargetInfoChanged:
		return "info_changed"
	case TargetDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
