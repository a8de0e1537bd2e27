package datastore

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/tphakala/stockvision/internal/errors"
)

// ErrRequestDecided is returned when approving or rejecting a request that is
// no longer pending.
var ErrRequestDecided = errors.NewStd("validation request already decided")

// dbError creates a categorized database error. A missing record becomes a
// not-found error.
func dbError(err error, operation, priority string, context ...any) error {
	category := errors.CategoryDatabase
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		category = errors.CategoryNotFound
	case errors.Is(err, ErrRequestDecided):
		category = errors.CategoryState
	}

	builder := errors.New(err).
		Component("datastore").
		Category(category).
		Context("operation", operation)
	if priority != "" {
		builder = builder.Priority(priority)
	}
	for i := 0; i < len(context)-1; i += 2 {
		if key, ok := context[i].(string); ok {
			builder = builder.Context(key, context[i+1])
		}
	}
	return builder.Build()
}

// validationError creates an error for invalid store configuration.
func validationError(message, field string, value any) error {
	return errors.Newf("%s", message).
		Component("datastore").
		Category(errors.CategoryValidation).
		Context("field", field).
		Context("value", fmt.Sprintf("%v", value)).
		Build()
}
