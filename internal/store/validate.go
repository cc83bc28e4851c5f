package store

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"packaging-coordinator/internal/models"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("jobstatus", func(fl validator.FieldLevel) bool {
		return models.Status(fl.Field().String()).Valid()
	})
	return v
}

// ValidationError lists the rejected fields of a create request by JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrInvalidJob, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidJob }

func validateJob(j *models.PackagingJob) error {
	verr := structErrors(j)
	// The lease holder exists only while packaging.
	if (j.PackagerID != nil) != (j.Status == models.StatusPackaging) {
		if verr == nil {
			verr = &ValidationError{Fields: map[string]string{}}
		}
		verr.Fields["packager_id"] = "The field 'packager_id' must be set if and only if status is packaging."
	}
	if verr != nil {
		return verr
	}
	return nil
}

func validateHistory(r *models.UploadHistoryRecord) error {
	if verr := structErrors(r); verr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, verr.Error())
	}
	return nil
}

func structErrors(s any) *ValidationError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Fields: map[string]string{"_": err.Error()}}
	}
	out := &ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		out.Fields[fe.Field()] = fieldMessage(fe)
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("The field '%s' is required.", fe.Field())
	case "oneof":
		return fmt.Sprintf("The field '%s' must be one of %s.", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("The field '%s' must be greater than or equal to %s.", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("The field '%s' must be less than or equal to %s.", fe.Field(), fe.Param())
	case "url":
		return fmt.Sprintf("The field '%s' must be a valid URL.", fe.Field())
	case "jobstatus":
		return fmt.Sprintf("The field '%s' must be a known job status.", fe.Field())
	}
	return fmt.Sprintf("Field '%s' is invalid: %s", fe.Field(), fe.Tag())
}
