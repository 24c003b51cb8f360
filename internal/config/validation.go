package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"
)

// FieldError is a single validation failure keyed by its YAML path.
type FieldError struct {
	FieldPath string
	Message   string
}

// ValidationErrors collects every field that failed validation.
type ValidationErrors []FieldError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("invalid configuration (%d error(s)):", len(ve)))
	for _, err := range ve {
		sb.WriteString(fmt.Sprintf(" %s: %s;", err.FieldPath, err.Message))
	}
	return strings.TrimSuffix(sb.String(), ";")
}

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks field constraints plus the cross-field rules the struct tags
// cannot express.
func (s Snapshot) Validate() error {
	var out ValidationErrors
	if err := validate.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range fieldErrs {
			out = append(out, FieldError{
				FieldPath: strings.TrimPrefix(fe.Namespace(), "Snapshot."),
				Message:   validationMessage(fe),
			})
		}
	}
	if s.Server.Protocol == "https" && (s.Server.SSLKey == "") != (s.Server.SSLCert == "") {
		out = append(out, FieldError{FieldPath: "server.sslKey", Message: "sslKey and sslCert must be set together"})
	}
	if s.Executions.Mode == ExecutionsQueue && len(s.RedisAddrs()) == 0 {
		out = append(out, FieldError{FieldPath: "redis.addrs", Message: "required when executions.mode is queue"})
	}
	if s.Environment.DefaultLocale != "" {
		if _, err := language.Parse(s.Environment.DefaultLocale); err != nil {
			out = append(out, FieldError{FieldPath: "environment.defaultLocale", Message: "must be a BCP 47 language tag"})
		}
	}
	if len(out) > 0 {
		return out
	}
	return nil
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_if":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "excludesall":
		return "must be a single path segment"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}
