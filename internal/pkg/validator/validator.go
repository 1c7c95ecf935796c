package validator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validations
	registerCustomValidations()
}

func registerCustomValidations() {
	// Referral code validation: 8 characters from the unambiguous alphabet
	validate.RegisterValidation("referral_code", func(fl validator.FieldLevel) bool {
		code := fl.Field().String()
		if len(code) != 8 {
			return false
		}
		for _, c := range code {
			if !strings.ContainsRune(referralAlphabet, c) {
				return false
			}
		}
		return true
	})

	// Currency validation: ISO 4217 style upper-case code
	validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		cur := fl.Field().String()
		if len(cur) != 3 {
			return false
		}
		for _, c := range cur {
			if c < 'A' || c > 'Z' {
				return false
			}
		}
		return true
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "email":
			errors[field] = "Invalid email format"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "url":
			errors[field] = "Invalid URL format"
		case "uuid":
			errors[field] = "Invalid UUID"
		case "oneof":
			errors[field] = "Must be one of: " + err.Param()
		case "referral_code":
			errors[field] = "Invalid referral code"
		case "currency":
			errors[field] = "Invalid currency code"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
