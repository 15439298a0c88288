// Package validate wraps go-playground/validator with the launchpad field rules and renders
// failures as a flat list of field messages.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	symbolPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
	base58Pattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

	once     sync.Once
	instance *validator.Validate
)

// FieldError is one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error collects every rejected field of a payload.
type Error struct {
	Fields []FieldError `json:"fields"`
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fieldf builds a single-field validation error for checks that do not fit a struct tag.
func Fieldf(field, format string, args ...any) *Error {
	return &Error{Fields: []FieldError{{Field: field, Message: fmt.Sprintf(format, args...)}}}
}

// Struct validates s against its `validate` tags.
func Struct(s any) error {
	err := get().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &Error{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: message(fe)})
	}
	return out
}

// PublicKey reports whether s looks like a base58 encoded 32 byte ledger address.
func PublicKey(s string) bool {
	return len(s) >= 32 && len(s) <= 44 && base58Pattern.MatchString(s)
}

// TokenSymbol reports whether s is 1-10 uppercase letters or digits.
func TokenSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

func get() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			switch name {
			case "-":
				return ""
			case "":
				return f.Name
			}
			return name
		})
		if err := registerRules(v, rules()); err != nil {
			panic(fmt.Sprintf("validate: %v", err))
		}
		instance = v
	})
	return instance
}

func rules() map[string]validator.Func {
	return map[string]validator.Func{
		"token_symbol": func(fl validator.FieldLevel) bool {
			return TokenSymbol(fl.Field().String())
		},
		"pubkey": func(fl validator.FieldLevel) bool {
			return PublicKey(fl.Field().String())
		},
		"base58": func(fl validator.FieldLevel) bool {
			return base58Pattern.MatchString(fl.Field().String())
		},
	}
}

// registerRules adds the custom tags to v. A tag that fails to register would make every later
// Struct call panic on the unknown tag, so the first failure is returned.
func registerRules(v *validator.Validate, fns map[string]validator.Func) error {
	for tag, fn := range fns {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %q: %w", tag, err)
		}
	}
	return nil
}

func message(fe validator.FieldError) string {
	field := fe.Field()
	unit := ""
	if fe.Kind() == reflect.String {
		unit = " characters"
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s%s", field, fe.Param(), unit)
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s%s", field, fe.Param(), unit)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	case "url", "http_url":
		return field + " must be a valid URL"
	case "token_symbol":
		return field + " must be 1-10 uppercase letters or digits"
	case "pubkey":
		return field + " must be a valid base58 public key"
	case "base58":
		return field + " must be base58 encoded"
	default:
		return field + " is invalid"
	}
}
