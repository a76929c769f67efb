// Package wscutils provides the standard request/response envelope used by
// the HTTP surface in internal/httpapi.
package wscutils

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Status values for Response.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrorMessage is one element of a Response's Messages slice. MsgID and
// ErrCode are stable, machine-readable identifiers; Field and Vals give a
// client enough to build a human-readable message without string-matching.
type ErrorMessage struct {
	MsgID   int      `json:"msgid"`
	ErrCode string   `json:"errcode"`
	Field   string   `json:"field,omitempty"`
	Vals    []string `json:"vals,omitempty"`
}

// Response is the standard response envelope for every endpoint in
// internal/httpapi.
type Response struct {
	Status   string         `json:"status"`
	Data     any            `json:"data,omitempty"`
	Messages []ErrorMessage `json:"messages,omitempty"`
}

// NewSuccessResponse wraps data in a success envelope.
func NewSuccessResponse(data any) *Response {
	return &Response{Status: StatusSuccess, Data: data}
}

// NewErrorResponse wraps one or more error messages in an error envelope.
func NewErrorResponse(messages ...ErrorMessage) *Response {
	return &Response{Status: StatusError, Messages: messages}
}

// BuildErrorMessage is a convenience constructor for ErrorMessage.
func BuildErrorMessage(msgID int, errCode string, field string, vals ...string) ErrorMessage {
	return ErrorMessage{MsgID: msgID, ErrCode: errCode, Field: field, Vals: vals}
}

// SendError writes an error envelope with the given HTTP status code.
func SendError(c *gin.Context, httpStatus int, messages ...ErrorMessage) {
	c.JSON(httpStatus, NewErrorResponse(messages...))
}

// SendSuccess writes a success envelope with the given HTTP status code.
func SendSuccess(c *gin.Context, httpStatus int, data any) {
	c.JSON(httpStatus, NewSuccessResponse(data))
}

// BindJSON decodes the request body into v and runs struct-tag validation,
// sending a standard invalid_request error envelope and returning false on
// either failure.
func BindJSON(c *gin.Context, v any) bool {
	if err := json.NewDecoder(c.Request.Body).Decode(v); err != nil {
		SendError(c, http.StatusBadRequest, BuildErrorMessage(MsgIDInvalidRequest, ErrCodeInvalidRequest, ""))
		return false
	}
	return WscValidate(c, v)
}

// WscValidate runs struct-tag validation against v (already populated from
// wherever the caller sourced it — JSON body, multipart form values, query
// params), sending a standard invalid_request error envelope naming the
// first failing field and returning false on failure.
func WscValidate(c *gin.Context, v any) bool {
	if err := validate.Struct(v); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			SendError(c, http.StatusBadRequest,
				BuildErrorMessage(MsgIDInvalidRequest, ErrCodeInvalidRequest, fieldErrs[0].Field()))
			return false
		}
		SendError(c, http.StatusBadRequest, BuildErrorMessage(MsgIDInvalidRequest, ErrCodeInvalidRequest, ""))
		return false
	}
	return true
}
