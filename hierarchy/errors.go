package hierarchy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code classifies a HierarchyError.
type Code string

const (
	CodeSelfParent         Code = "SELF_PARENT"
	CodeParentNotFound     Code = "PARENT_NOT_FOUND"
	CodeCycle              Code = "CYCLE"
	CodeIllegalQuery       Code = "ILLEGAL_QUERY"
	CodeInconsistentResult Code = "INCONSISTENT_RESULT"
	CodeAlreadyAssembled   Code = "ALREADY_ASSEMBLED"
	CodeInvalidConfig      Code = "INVALID_CONFIG"
)

// HierarchyError is returned for every violation of a hierarchy rule.
// It is not retryable without changing the input.
type HierarchyError struct {
	Code    Code
	Message string
	Context map[string]any
}

func (e *HierarchyError) Error() string {
	msg := "lineage: " + e.Message
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	return msg
}

// Is reports whether target is a HierarchyError with the same code.
// A target without a code matches any HierarchyError.
func (e *HierarchyError) Is(target error) bool {
	t, ok := target.(*HierarchyError)
	if !ok {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// With returns a copy of e with key set in its context.
func (e *HierarchyError) With(key string, value any) *HierarchyError {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &HierarchyError{Code: e.Code, Message: e.Message, Context: ctx}
}

var (
	// ErrHierarchy matches any HierarchyError.
	ErrHierarchy = &HierarchyError{Message: "hierarchy error"}

	// ErrSelfParent is returned when an entity is made its own parent.
	ErrSelfParent = &HierarchyError{Code: CodeSelfParent, Message: "parent cannot be a child of itself"}

	// ErrParentNotFound is returned when the referenced parent does not exist.
	ErrParentNotFound = &HierarchyError{Code: CodeParentNotFound, Message: "parent does not exist"}

	// ErrCycle is returned when the new parent is a descendant of the entity.
	ErrCycle = &HierarchyError{Code: CodeCycle, Message: "parent cannot be a descendant of itself"}

	// ErrIllegalQuery is returned for hierarchy-expanding fetches that cannot be honoured.
	ErrIllegalQuery = &HierarchyError{Code: CodeIllegalQuery, Message: "illegal hierarchy query"}

	// ErrInconsistentResult is returned when a result row references a parent
	// that is not part of the result set.
	ErrInconsistentResult = &HierarchyError{Code: CodeInconsistentResult, Message: "parent not found in result set"}

	// ErrAlreadyAssembled is returned when the same options are assembled twice.
	ErrAlreadyAssembled = &HierarchyError{Code: CodeAlreadyAssembled, Message: "result set already assembled into a tree"}

	// ErrInvalidConfig is returned for invalid hierarchy configuration.
	ErrInvalidConfig = &HierarchyError{Code: CodeInvalidConfig, Message: "invalid hierarchy configuration"}
)

// IsHierarchyError reports whether err is, or wraps, a HierarchyError.
func IsHierarchyError(err error) bool {
	return errors.Is(err, ErrHierarchy)
}

func illegalQuery(format string, args ...any) *HierarchyError {
	return &HierarchyError{Code: CodeIllegalQuery, Message: fmt.Sprintf(format, args...)}
}

func invalidConfig(format string, args ...any) *HierarchyError {
	return &HierarchyError{Code: CodeInvalidConfig, Message: fmt.Sprintf(format, args...)}
}
