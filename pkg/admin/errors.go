package admin

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/itohio/cerealometer/pkg/calibration"
)

// ErrorResponse is the envelope of every failed API call.
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	Timestamp string      `json:"timestamp"`
	Path      string      `json:"path"`
	Method    string      `json:"method"`
}

// ErrorDetail describes the failure.
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Hint    string      `json:"hint,omitempty"`
}

// SuccessResponse is the envelope of every successful API call.
type SuccessResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	Message   string      `json:"message,omitempty"`
	Timestamp string      `json:"timestamp"`
}

const (
	ErrCodeBadRequest       = "BAD_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeValidationError  = "VALIDATION_ERROR"
	ErrCodeInternalServer   = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavail   = "SERVICE_UNAVAILABLE"
	ErrCodeInvalidReference = "INVALID_REFERENCE"
	ErrCodeUnknownSlot      = "UNKNOWN_SLOT"
	ErrCodeChannelBusy      = "CHANNEL_BUSY"
	ErrCodeCalibrationFault = "CALIBRATION_FAULT"
)

// RespondWithError writes an ErrorResponse.
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}, hint string) {
	c.JSON(statusCode, ErrorResponse{
		Success: false,
		Error: ErrorDetail{
			Code:    errorCode,
			Message: message,
			Details: details,
			Hint:    hint,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Path:      c.Request.URL.Path,
		Method:    c.Request.Method,
	})
}

// RespondWithSuccess writes a SuccessResponse.
func RespondWithSuccess(c *gin.Context, statusCode int, data interface{}, message string) {
	c.JSON(statusCode, SuccessResponse{
		Success:   true,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// BadRequest - 400
func BadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, ErrCodeBadRequest, message, details,
		"check the request parameters")
}

// ValidationError - 400 for a single invalid field.
func ValidationError(c *gin.Context, field, message string) {
	RespondWithError(c, http.StatusBadRequest, ErrCodeValidationError, "validation failed",
		gin.H{"field": field, "reason": message},
		"check that every required field is present and well typed")
}

// statusFor maps a calibration error to an HTTP status and error code.
func statusFor(err error) (int, string, string) {
	switch {
	case errors.Is(err, calibration.ErrInvalidReference):
		return http.StatusBadRequest, ErrCodeInvalidReference, "reference_kg must be a finite number greater than zero"
	case errors.Is(err, calibration.ErrUnknownSlot):
		return http.StatusNotFound, ErrCodeUnknownSlot, "use GET /api/status to list the configured slots"
	case errors.Is(err, calibration.ErrChannelBusy):
		return http.StatusConflict, ErrCodeChannelBusy, "wait for the running operation to finish and retry"
	default:
		return http.StatusInternalServerError, ErrCodeInternalServer, "see the device log"
	}
}

// RespondWithCalibrationError writes the response for an error returned by
// the controller.
func RespondWithCalibrationError(c *gin.Context, err error, details interface{}) {
	status, code, hint := statusFor(err)
	RespondWithError(c, status, code, err.Error(), details, hint)
}
