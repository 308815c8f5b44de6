package enroll

import (
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/chekechea/core"
)

var (
	dateonlyTag  = "dateonly"
	dateonlyText = "must be a valid date in YYYY-MM-DD format"

	birthDateFutureText = "birth date cannot be in the future"
)

// InitValidators registers this package's custom validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	_ = validate.RegisterValidation(dateonlyTag, dateonlyValidation)
	core.RegisterCustomTranslation(validate, translator, dateonlyTag, dateonlyText)

	validate.RegisterStructValidation(newChildStructValidation, NewChild{})
}

// dateonlyValidation only allows YYYY-MM-DD dates.
func dateonlyValidation(fl validator.FieldLevel) bool {
	_, err := time.Parse(dateLayout, fl.Field().String())
	return err == nil
}

func newChildStructValidation(sl validator.StructLevel) {
	nc := sl.Current().Interface().(NewChild)
	if d, err := time.Parse(dateLayout, nc.BirthDate); err == nil {
		if d.After(dateOf(nowFunc())) {
			sl.ReportError(nc.BirthDate, "BirthDate", "birth_date", dateonlyTag, birthDateFutureText)
		}
	}
}
