package dto

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is process-global like the teacher's own handlers share a single
// *gin.Engine; validator.New() is safe for concurrent use once built.
var validate = validator.New()

// Validate runs struct-tag validation on a decoded wire DTO. It is called
// after ShouldBindJSON so gin's loose JSON decode and this package's
// stricter field rules (required keys, size caps) stay independent checks.
func Validate(v any) error {
	return validate.Struct(v)
}

// ValidationMessage renders a validator.ValidationErrors as a single
// human-readable string for the error envelope; any other error (should
// not happen for a struct value) is passed through as-is.
func ValidationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
