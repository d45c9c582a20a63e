package operation

import (
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeAttrs decodes a resource's attribute map into a typed config struct
// and validates it. Unknown attributes are rejected so a typo in a plan
// surfaces at compile time instead of being silently ignored. Fields are
// matched through the `attr` tag.
func DecodeAttrs(attrs map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "attr",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return geperrors.NewValidationError("attributes", "building decoder", err)
	}
	if err := decoder.Decode(attrs); err != nil {
		return geperrors.NewValidationError("attributes", "invalid attributes", err)
	}
	if err := validate.Struct(out); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			first := errs[0]
			return geperrors.NewValidationError(first.Field(), "failed on rule "+first.Tag(), err)
		}
		return geperrors.NewValidationError("attributes", "invalid attributes", err)
	}
	return nil
}
