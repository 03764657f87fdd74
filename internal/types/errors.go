package types

import "errors"

var (
	// ErrMalformedFrame is returned when an inbound message cannot be
	// parsed into a Frame.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownDevice is returned for identities the registry has never seen.
	ErrUnknownDevice = errors.New("unknown device")
)

// API error codes used in ErrorBody.Code.
const (
	CodeBadRequest   = "IOTD_400"
	CodeUnauthorized = "IOTD_401"
	CodeForbidden    = "IOTD_403"
	CodeNotFound     = "IOTD_404"
	CodeConflict     = "IOTD_409"
	CodeInternal     = "IOTD_500"
	CodeUnavailable  = "IOTD_503"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds the error envelope returned by the operator API.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
