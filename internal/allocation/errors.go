package allocation

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidOffer   = errors.New("invalid offer")
	ErrInvalidRequest = errors.New("invalid request")
	ErrDuplicateOffer = errors.New("offer already in pool")
)

// ValidationError names the offending field of a rejected offer or request.
type ValidationError struct {
	Kind   error // ErrInvalidOffer or ErrInvalidRequest
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

var validate = validator.New()

// checkStruct runs the validator tags and reports the first failure.
func checkStruct(kind error, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		reason := f.Tag()
		if f.Param() != "" {
			reason += "=" + f.Param()
		}
		return &ValidationError{Kind: kind, Field: f.Field(), Reason: "failed " + reason}
	}
	return fmt.Errorf("%w: %v", kind, err)
}
