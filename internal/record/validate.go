package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateRequest checks a request descriptor before it is enqueued.
// Returns a validation *Error describing the first problem found.
func ValidateRequest(req QueuedRequest) error {
	if err := requestValidator().Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return NewValidationError("enqueue", fmt.Sprintf("field %s failed %q check", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return NewValidationError("enqueue", err.Error())
	}
	if len(req.Body) > 0 && !json.Valid(req.Body) {
		return NewValidationError("enqueue", "body is not valid JSON")
	}
	return nil
}
