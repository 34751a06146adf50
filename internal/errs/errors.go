// Package errs defines the configuration error type shared by every layer
// of the sync engine.
//
// Configuration errors are caller mistakes (a paged query without ordering,
// mapping an entity twice, invoking an action the adapter cannot serve).
// They are never retried and are expected to abort the calling operation.
// Remote failures are NOT configuration errors; they are plain wrapped
// errors returned from the adapter.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes configuration errors.
type Code string

const (
	// CodePagingWithoutOrder indicates a paged query with no ordering clause.
	CodePagingWithoutOrder Code = "PAGING_WITHOUT_ORDER"

	// CodePageWithoutSize indicates a page number set without a page size.
	CodePageWithoutSize Code = "PAGE_WITHOUT_SIZE"

	// CodeAlreadyMapped indicates an entity that already carries mapping properties.
	CodeAlreadyMapped Code = "ALREADY_MAPPED"

	// CodeActionUnsupported indicates an action call on an adapter without actions.
	CodeActionUnsupported Code = "ACTION_UNSUPPORTED"

	// CodeUnknownAction indicates an action name not declared by the configuration.
	CodeUnknownAction Code = "UNKNOWN_ACTION"

	// CodeUnknownType indicates a $type / odata.type tag with no registered factory.
	CodeUnknownType Code = "UNKNOWN_TYPE"

	// CodeUnknownSet indicates a reference to a set that was never added.
	CodeUnknownSet Code = "UNKNOWN_SET"

	// CodeUnknownAdapter indicates an adapter name missing from the context registry.
	CodeUnknownAdapter Code = "UNKNOWN_ADAPTER"

	// CodeUnknownStore indicates a store name missing from the context registry.
	CodeUnknownStore Code = "UNKNOWN_STORE"

	// CodeDuplicate indicates a second registration under an existing name.
	CodeDuplicate Code = "DUPLICATE"

	// CodeRelationUnsupported indicates a relation call the adapter cannot serve.
	CodeRelationUnsupported Code = "RELATION_UNSUPPORTED"

	// CodeInvalidQuery indicates a malformed query (bad operator, bad literal).
	CodeInvalidQuery Code = "INVALID_QUERY"
)

// ConfigurationError is a synchronous, non-recoverable caller error.
type ConfigurationError struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Details[k])
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// New creates a ConfigurationError.
func New(code Code, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With returns a copy of e carrying an extra detail.
func (e *ConfigurationError) With(key, value string) *ConfigurationError {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// HasCode reports whether err is (or wraps) a ConfigurationError with code.
func HasCode(err error, code Code) bool {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
