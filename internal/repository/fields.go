package repository

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"github.com/shopspring/decimal"
)

var colorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

func absorbString(remote syncer.Payload, key string, target *string) error {
	raw, ok := remote[key]
	if !ok {
		return nil
	}
	if raw == nil {
		*target = ""
		return nil
	}
	value, ok := raw.(string)
	if !ok {
		return fmt.Errorf("%w: %s is not a string", ErrInvalidField, key)
	}
	*target = value
	return nil
}

func absorbInt64(remote syncer.Payload, key string, target *int64) error {
	if !remote.Has(key) {
		return nil
	}
	value, ok := remote.Int64(key)
	if !ok {
		return fmt.Errorf("%w: %s is not an integer", ErrInvalidField, key)
	}
	*target = value
	return nil
}

func absorbOptionalInt64(remote syncer.Payload, key string, target **int64) error {
	raw, ok := remote[key]
	if !ok {
		return nil
	}
	if raw == nil {
		*target = nil
		return nil
	}
	value, ok := remote.Int64(key)
	if !ok {
		return fmt.Errorf("%w: %s is not an integer", ErrInvalidField, key)
	}
	*target = &value
	return nil
}

func absorbDecimal(remote syncer.Payload, key string, target *decimal.Decimal) error {
	raw, ok := remote[key]
	if !ok {
		return nil
	}
	value, err := parseDecimal(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidField, key, err)
	}
	*target = value
	return nil
}

func parseDecimal(raw any) (decimal.Decimal, error) {
	switch value := raw.(type) {
	case decimal.Decimal:
		return value, nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(value))
	case json.Number:
		return decimal.NewFromString(value.String())
	case float64:
		return decimal.NewFromFloat(value), nil
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported decimal value %T", raw)
	}
}

func optionalInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}

func requireOwner(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidID)
	}
	return trimmed, nil
}

func equalOptionalInt64(left, right *int64) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}
