// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// maxPriceDecimals ограничивает точность цены: MercadoPago принимает не более двух знаков.
const maxPriceDecimals = 2

// MaxAmount ограничивает цену позиции и сумму покупки точностью колонок NUMERIC(14,2).
var MaxAmount = decimal.RequireFromString("999999999999.99")

// ErrUnsafeScheme возвращается, если базовый адрес использует схему, отличную от http/https.
var ErrUnsafeScheme = errors.New("base url must use http or https")

// Error содержит ошибки валидации в виде "поле" -> "сообщение".
type Error struct {
	Fields map[string]string
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	msgs := make([]string, 0, len(names))
	for _, name := range names {
		msgs = append(msgs, fmt.Sprintf("field '%s': %s", name, e.Fields[name]))
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Validator оборачивает go-playground/validator с правилами сервиса.
type Validator struct {
	validate *validator.Validate
}

// New создаёт валидатор и регистрирует правила для денежных полей.
func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// decimal.Decimal проверяется как строка, иначе валидатор уходит внутрь структуры.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	if err := v.RegisterValidation("price", validatePrice); err != nil {
		panic(fmt.Sprintf("register price validation: %v", err))
	}

	return &Validator{validate: v}
}

// Struct проверяет структуру и возвращает *Error со списком нарушений.
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fieldPath(fe)] = message(fe)
	}
	return &Error{Fields: fields}
}

func validatePrice(fl validator.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	if !d.IsPositive() || d.GreaterThan(MaxAmount) {
		return false
	}
	return d.Exponent() >= -maxPriceDecimals || d.Equal(d.Round(maxPriceDecimals))
}

// fieldPath отбрасывает имя корневой структуры: "items[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must contain at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "price":
		return fmt.Sprintf("must be a positive amount up to %s with at most %d decimal places", MaxAmount.StringFixed(maxPriceDecimals), maxPriceDecimals)
	default:
		return fmt.Sprintf("invalid value (failed on '%s' tag)", fe.Tag())
	}
}

// BaseURL разбирает публичный базовый адрес сервиса. Пустой адрес допустим и
// означает, что адреса возврата не передаются. Любая схема, кроме http и https,
// отклоняется до того, как адрес попадёт в ссылки возврата.
func BaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsafeScheme, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: got %q", ErrUnsafeScheme, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrUnsafeScheme)
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// IsSecure сообщает, что базовый адрес использует https.
func IsSecure(u *url.URL) bool {
	return u != nil && strings.EqualFold(u.Scheme, "https")
}
