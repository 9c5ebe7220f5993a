package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

// FieldError is a validation message for one input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Envelope is the shape of every JSON response.
type Envelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message,omitempty"`
	Data    any          `json:"data,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
}

// Error is a failure recorded by a handler for the Errors middleware.
type Error struct {
	Message  string
	Fields   []FieldError
	internal error
}

const errorKey = "app_error"

// OK writes a success envelope.
func OK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Envelope{Success: true, Message: message, Data: data})
}

// AbortError records an error and aborts the handler. The response will be
// rendered by the Errors middleware.
func AbortError(c *gin.Context, status int, message string, fields []FieldError) {
	c.Set(errorKey, &Error{Message: message, Fields: fields})
	c.AbortWithStatus(status)
}

// AbortInternal aborts with 500. The cause is only shown outside production.
func AbortInternal(c *gin.Context, err error) {
	c.Set(errorKey, &Error{Message: err.Error(), internal: err})
	c.AbortWithStatus(http.StatusInternalServerError)
}

// AbortBind reports a failed ShouldBind* call as a 400.
func AbortBind(c *gin.Context, err error) {
	if fields := BindErrors(err); len(fields) > 0 {
		AbortError(c, http.StatusBadRequest, "Validation failed", fields)
		return
	}
	AbortError(c, http.StatusBadRequest, "Invalid request body", nil)
}

// AbortValidation reports a domain validation error as a 400. Other errors
// become a 500.
func AbortValidation(c *gin.Context, err error) {
	var ve *helpdesk.ValidationError
	if errors.As(err, &ve) {
		AbortError(c, http.StatusBadRequest, ve.Message, []FieldError{{Field: ve.Field, Message: ve.Message}})
		return
	}
	AbortInternal(c, err)
}

var tagMessages = map[string]string{
	"required": "is required",
	"email":    "must be a valid email",
	"min":      "is too short",
	"max":      "is too long",
	"oneof":    "is not an allowed value",
	"uuid":     "must be a valid id",
	"hexcolor": "must be a valid hex color",
	"gte":      "is too small",
	"lte":      "is too large",
	"dive":     "is invalid",
}

func init() {
	// report json field names in validation errors
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "form"} {
				name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
				if name == "-" {
					return ""
				}
				if name != "" {
					return name
				}
			}
			return f.Name
		})
	}
}

// BindErrors converts validator errors into field messages.
func BindErrors(err error) []FieldError {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make([]FieldError, 0, len(ve))
		for _, fe := range ve {
			field := lowerFirst(fe.Field())
			msg, ok := tagMessages[fe.Tag()]
			if !ok {
				msg = "is invalid"
			}
			if fe.Param() != "" && (fe.Tag() == "min" || fe.Tag() == "max") {
				msg += " (" + fe.Tag() + " " + fe.Param() + ")"
			}
			out = append(out, FieldError{Field: field, Message: field + " " + msg})
		}
		return out
	}
	var ute *json.UnmarshalTypeError
	if errors.As(err, &ute) {
		return []FieldError{{Field: ute.Field, Message: ute.Field + " has the wrong type"}}
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Errors emits a JSON error envelope and structured log entry when an error
// was recorded via AbortError. In production, 500 messages are replaced.
func Errors(production bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		v, ok := c.Get(errorKey)
		if !ok {
			return
		}
		err, ok := v.(*Error)
		if !ok {
			return
		}
		status := c.Writer.Status()
		var ev = log.Ctx(c.Request.Context()).Warn()
		if status >= http.StatusInternalServerError {
			ev = log.Ctx(c.Request.Context()).Error().Err(err.internal)
		}
		ev = ev.Int("status", status)
		for _, f := range err.Fields {
			ev = ev.Str("field_"+f.Field, f.Message)
		}
		ev.Msg(err.Message)
		msg := err.Message
		if status >= http.StatusInternalServerError && production {
			msg = "Server error"
		}
		c.JSON(status, Envelope{Success: false, Message: msg, Errors: err.Fields})
	}
}
