package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation, logs one Error
// entry listing them, and returns the joined error. It returns nil when every step
// succeeded.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	joined := errors.Join(failed...)
	logFields := make([]Field, 0, len(fields)+3)
	logFields = append(logFields, fields...)
	logFields = append(logFields,
		F("operation", operation),
		F("failures", len(failed)),
		F("error", joined.Error()),
	)
	OrDefault(logger).Error(operation+" failed", logFields...)
	return fmt.Errorf("%s: %w", operation, joined)
}
