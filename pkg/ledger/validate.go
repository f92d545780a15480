package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mcclellann/lendTrack/pkg/apperr"
	"github.com/shopspring/decimal"
)

var (
	aadharPattern = regexp.MustCompile(`^[0-9]{12}$`)
	panPattern    = regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]$`)
	mobilePattern = regexp.MustCompile(`^\+?[1-9]\d{9,14}$`)
)

// newValidator returns a validator that understands decimals, uuids and the
// identity document formats.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if id, ok := f.Interface().(uuid.UUID); ok && id != uuid.Nil {
			return id.String()
		}
		return ""
	}, uuid.UUID{})

	must := func(tag string, re *regexp.Regexp) {
		if err := v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		}); err != nil {
			panic(err)
		}
	}
	must("aadhar", aadharPattern)
	must("pan", panPattern)
	must("mobile", mobilePattern)

	return v
}

// validateTerms checks input against its tags and the terms against the rules the
// tags cannot express. A principal in whole cents keeps the rounded total at or
// above it.
func (l *Ledger) validateTerms(input any, terms LoanTerms) error {
	if err := l.validate.Struct(input); err != nil {
		return validationError(err)
	}
	if !wholeCents(terms.PrincipalAmount) {
		return apperr.Validationf("principal_amount must have at most 2 decimal places")
	}
	return nil
}

func wholeCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// validationError turns validator output into a single validation error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindValidation, err, "invalid input")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return apperr.Validationf("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "aadhar":
		return fmt.Sprintf("%s must be 12 digits", fe.Field())
	case "pan":
		return fmt.Sprintf("%s must look like ABCDE1234F", fe.Field())
	case "mobile":
		return fmt.Sprintf("%s is not a valid phone number", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
