package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category is the failure class a remediation is chosen by.
type Category string

const (
	CategoryANR              Category = "anr"
	CategoryElementNotFound  Category = "element_not_found"
	CategoryNetwork          Category = "network"
	CategoryPermission       Category = "permission"
	CategoryCrash            Category = "crash"
	CategoryTimeout          Category = "timeout"
	CategoryUnexpectedScreen Category = "unexpected_screen"
	CategoryUnknown          Category = "unknown"
)

// CodedError lets a port state the failure class outright instead of
// leaving it to message matching.
type CodedError struct {
	Code Category
	Msg  string
	Err  error
}

func NewCodedError(code Category, format string, args ...any) *CodedError {
	return &CodedError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CodedError) Unwrap() error { return e.Err }

// message patterns in match order
var patterns = []struct {
	needle   string
	category Category
}{
	{"anr", CategoryANR},
	{"not found", CategoryElementNotFound},
	{"network", CategoryNetwork},
	{"permission", CategoryPermission},
	{"crash", CategoryCrash},
	{"timeout", CategoryTimeout},
}

// Classify picks the Category of err. A CodedError anywhere in the chain
// wins; otherwise the message is matched case-insensitively, and an
// unmatched deadline error is a timeout.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	var coded *CodedError
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p.needle) {
			return p.category
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}
