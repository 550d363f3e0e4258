// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/jeementor/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// requestValidator はフォーム検証に使うバリデータ。スレッドセーフなので共有する。
var requestValidator = newRequestValidator()

// newRequestValidator はエラーのフィールド名にJSONタグ名を使うバリデータを生成する。
func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldLabels はJSONフィールド名と画面表示用のラベルの対応。
var fieldLabels = map[string]string{
	"email":            "Email",
	"password":         "Password",
	"confirm_password": "Confirm password",
	"full_name":        "Full name",
	"booking_type":     "Booking type",
	"item_id":          "Item",
	"role":             "Role",
}

// decodeJSON はリクエストボディをdstにデコードし、validateタグで検証する。
// 失敗した場合はフォームに表示できるメッセージを持つAPIErrorを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return model.NewInvalidRequestError("Request body is required")
		}
		return model.NewInvalidRequestError("Request body must be valid JSON")
	}
	return validateStruct(dst)
}

// validateStruct は構造体を検証し、最初の違反をフォーム向けのメッセージに変換する。
func validateStruct(v any) error {
	err := requestValidator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return model.NewInvalidRequestError("Invalid request")
	}
	return model.NewInvalidRequestError(validationMessage(verrs[0]))
}

func validationMessage(fe validator.FieldError) string {
	label := fieldLabels[fe.Field()]
	if label == "" {
		label = fe.Field()
	}
	switch fe.Tag() {
	case "required":
		return label + " is required"
	case "email":
		return "Please enter a valid email address"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", label, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", label, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return label + " is invalid"
	}
}
