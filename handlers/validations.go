package handlers

import (
	"unicode/utf8"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/gofiber/fiber/v2"
)

func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}

	if utf8.RuneCountInString(s) < max {
		return s
	}

	return string([]rune(s)[:max])
}

// ValidateInput runs the struct's validate tags and returns the failures as
// translated error entries, or nil.
func ValidateInput(input interface{}) []fiber.Map {
	validate := validator.New()
	en := en.New()
	uni := ut.New(en, en)
	trans, _ := uni.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, trans)

	err := validate.Struct(input)

	if err == nil {
		return nil
	}

	var errors []fiber.Map

	errs, ok := err.(validator.ValidationErrors)

	if !ok {
		return []fiber.Map{{"message": err.Error()}}
	}

	for _, v := range errs {
		errors = append(errors, fiber.Map{
			"field":   v.Field(),
			"message": v.Translate(trans),
		})
	}

	return errors
}

func errorBody(code, message string) fiber.Map {
	return fiber.Map{
		"errors": []fiber.Map{{
			"message": message,
			"code":    code,
		}},
	}
}
