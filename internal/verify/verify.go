// Package verify holds the content-validity checks a verification task
// applies before a record is released for reading.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"escrow-service/internal/content"
	"escrow-service/internal/domain"
)

var ErrInvalidFormat = errors.New("content format invalid")

// Validator decides whether fetched content may be released. A non-nil
// error is a business rejection and ends in a FAILED record.
type Validator interface {
	Validate(ctx context.Context, ref string, data []byte) error
}

type ValidatorFunc func(ctx context.Context, ref string, data []byte) error

func (f ValidatorFunc) Validate(ctx context.Context, ref string, data []byte) error {
	return f(ctx, ref, data)
}

// Chain runs validators in order and stops at the first rejection.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, ref string, data []byte) error {
	for _, v := range c {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := v.Validate(ctx, ref, data); err != nil {
			return err
		}
	}
	return nil
}

// Integrity rejects content whose digest does not match its reference.
func Integrity() Validator {
	return ValidatorFunc(func(_ context.Context, ref string, data []byte) error {
		if err := content.Verify(ref, data); err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		return nil
	})
}

// MaxSize rejects empty content and content larger than limit bytes.
// A limit of zero disables the upper bound.
func MaxSize(limit int) Validator {
	return ValidatorFunc(func(_ context.Context, _ string, data []byte) error {
		if len(data) == 0 {
			return domain.ErrEmptyContent
		}
		if limit > 0 && len(data) > limit {
			return fmt.Errorf("%w: %d > %d bytes", domain.ErrContentTooLarge, len(data), limit)
		}
		return nil
	})
}

// JSONObject requires the payload to be a single JSON object, the shape
// device recordings are uploaded in.
func JSONObject() Validator {
	return ValidatorFunc(func(_ context.Context, _ string, data []byte) error {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
		}
		if doc == nil {
			return fmt.Errorf("%w: payload is null", ErrInvalidFormat)
		}
		return nil
	})
}

// Default builds the chain used by the service for the configured format
// ("json" or "any").
func Default(format string, maxBytes int) (Validator, error) {
	chain := Chain{MaxSize(maxBytes), Integrity()}
	switch format {
	case "", "any":
	case "json":
		chain = append(chain, JSONObject())
	default:
		return nil, fmt.Errorf("unknown verification format: %q", format)
	}
	return chain, nil
}
