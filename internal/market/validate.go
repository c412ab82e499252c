package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places money is stored and charged
// with. The gateway works in kobo.
const MoneyScale = 2

// ValidateAmount rejects a money value that is not positive or carries more
// than MoneyScale significant decimal places.
func ValidateAmount(field string, d decimal.Decimal) error {
	if !d.IsPositive() {
		return Invalid("%s must be positive", field)
	}
	if !d.Equal(d.Round(MoneyScale)) {
		return Invalid("%s %s has more than %d decimal places", field, d.String(), MoneyScale)
	}
	return nil
}

// LineTotal returns quantity × unit price rounded to MoneyScale.
func LineTotal(quantity, unitPrice decimal.Decimal) decimal.Decimal {
	return quantity.Mul(unitPrice).Round(MoneyScale)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation and folds failures into ErrValidation.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required", "required_if":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "url", "http_url":
		return field + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
