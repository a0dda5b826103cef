package validation

import (
    "errors"
    "fmt"
    "reflect"
    "strings"

    "github.com/go-playground/validator/v10"
)

// FieldError describes one failed rule on one request field.
type FieldError struct {
    Field string `json:"field"`
    Rule  string `json:"rule"`
    Param string `json:"param,omitempty"`
}

// Errors is returned by Validate when one or more rules fail.
type Errors []FieldError

func (e Errors) Error() string {
    parts := make([]string, 0, len(e))
    for _, fe := range e {
        if fe.Param != "" {
            parts = append(parts, fmt.Sprintf("%s: failed %s=%s", fe.Field, fe.Rule, fe.Param))
            continue
        }
        parts = append(parts, fmt.Sprintf("%s: failed %s", fe.Field, fe.Rule))
    }
    return strings.Join(parts, "; ")
}

// Validator validates structs against their `validate` tags
type Validator struct {
    v *validator.Validate
}

// NewValidator creates a new validator. Field names in errors follow the
// json tag so they match what clients sent.
func NewValidator() *Validator {
    v := validator.New()
    v.RegisterTagNameFunc(func(f reflect.StructField) string {
        name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
        if name == "-" {
            return ""
        }
        if name == "" {
            return f.Name
        }
        return name
    })
    v.RegisterValidation("robotid", validateRobotID)
    return &Validator{v: v}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
    err := v.v.Struct(s)
    if err == nil {
        return nil
    }

    var verrs validator.ValidationErrors
    if !errors.As(err, &verrs) {
        return err
    }

    out := make(Errors, 0, len(verrs))
    for _, fe := range verrs {
        out = append(out, FieldError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
    }
    return out
}

// ValidRobotID reports whether id is acceptable as a robot identity.
func ValidRobotID(id string) bool {
    if id == "" || len(id) > 128 {
        return false
    }
    for _, r := range id {
        switch {
        case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
        case r == '-' || r == '_' || r == ':':
        default:
            return false
        }
    }
    return true
}

func validateRobotID(fl validator.FieldLevel) bool {
    return ValidRobotID(fl.Field().String())
}
