package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// decimalFromText parses a NUMERIC rendered as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

func decimalFromNull(value sql.NullString) (decimal.Decimal, error) {
	if !value.Valid {
		return decimal.Zero, nil
	}
	return decimalFromText(value.String)
}

// nullableDecimal maps a zero value onto SQL NULL.
func nullableDecimal(value decimal.Decimal) any {
	if value.IsZero() {
		return nil
	}
	return value.String()
}

func nullableInt64(ptr *int64) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

func int64FromNull(value sql.NullInt64) *int64 {
	if !value.Valid {
		return nil
	}
	v := value.Int64
	return &v
}
