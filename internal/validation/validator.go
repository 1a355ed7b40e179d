// Package validation проверяет входные данные запросов.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
}

// ErrInvalid: общий признак ошибок валидации.
var ErrInvalid = errors.New("validation failed")

// Error содержит сообщение, которое можно показать клиенту как есть.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return ErrInvalid
}

// Errorf создаёт ошибку валидации с форматированным сообщением.
func Errorf(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Message возвращает текст ошибки валидации и признак того, что err, ошибка валидации.
func Message(err error) (string, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Message, true
	}
	return "", false
}

// Struct проверяет структуру по тегам validate.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// IsEmail сообщает, похожа ли строка на адрес электронной почты.
func IsEmail(s string) bool {
	return validate.Var(s, "required,email") == nil
}

func formatValidationError(err error) error {
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("validate: %w", err)
	}

	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return &Error{Message: err.Error()}
	}

	fe := errs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return Errorf("%s is required", field)
	case "email":
		return Errorf("%s must be a valid email address", field)
	case "min":
		if fe.Kind() == reflect.Slice {
			return Errorf("%s must contain at least %s item(s)", field, fe.Param())
		}
		return Errorf("%s must be at least %s characters", field, fe.Param())
	case "max":
		if fe.Kind() == reflect.Slice {
			return Errorf("%s must contain at most %s items", field, fe.Param())
		}
		return Errorf("%s must be at most %s characters", field, fe.Param())
	case "nefield":
		return Errorf("%s must differ from %s", field, strings.ToLower(fe.Param()))
	case "oneof":
		return Errorf("%s must be one of: %s", field, fe.Param())
	default:
		return Errorf("%s is invalid", field)
	}
}
