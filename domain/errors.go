package domain

// Codes of errors the gateway originates itself. Everything else is passed
// through from upstream unchanged.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeAIError      = "AI_ERROR"
	CodeProxyError   = "PROXY_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"

	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
)

// ErrorBody is the inner object of an ErrorEnvelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope is the response body of every gateway-originated error.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// NewError builds an envelope for the given code and message.
func NewError(code, message string) ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{Code: code, Message: message}}
}
