package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// StructValidator validates configuration structs by their validate tags.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator returns a validator with required struct checks enabled.
func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// RegisterValidation adds a custom validation tag.
func (v *StructValidator) RegisterValidation(tag string, fn validator.Func) error {
	if err := v.validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("registering validation %q: %w", tag, err)
	}
	return nil
}

// ValidateStruct validates config, reporting every failing field.
func (v *StructValidator) ValidateStruct(ctx context.Context, config any) error {
	return formatValidationError(v.validate.StructCtx(ctx, config))
}

// ValidateValue validates a single value against tag.
func (v *StructValidator) ValidateValue(ctx context.Context, value any, tag string) error {
	return formatValidationError(v.validate.VarCtx(ctx, value, tag))
}

func formatValidationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		field := e.Namespace()
		if field == "" {
			field = "value"
		}
		if e.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s=%s' (value: %v)", field, e.Tag(), e.Param(), e.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed '%s' (value: %v)", field, e.Tag(), e.Value()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}
