package api

const (
	maxProxyBodySize = 1 << 20   // 1 MiB
	maxXPBodySize    = 16 * 1024 // 16 KiB

	suggestXPPath = "/ai/suggest-xp"

	contextKeyUserID   = "userID"
	defaultTextContent = "text/plain; charset=utf-8"
)

// Messages of gateway-originated errors.
const (
	msgProxyError    = "Failed to reach upstream API"
	msgTitleRequired = "Title is required"
	msgAIError       = "Failed to generate XP suggestion"
	msgInvalidJSON   = "Invalid JSON body"
	msgBodyTooLarge  = "Request body too large"
	msgInvalidGzip   = "Invalid gzip body"
	msgUnauthorized  = "Invalid or missing bearer token"
	msgRateLimited   = "Too many XP suggestion requests"
	msgInternalError = "Internal server error"
)

// GET /healthz response body
type healthResponse struct {
	Status string `json:"status"`
}
