package domain

// AuthenticatedResponse is returned by the session probe endpoint.
type AuthenticatedResponse struct {
	AccessToken   string `json:"access_token,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// StatusResponse reports the moderation state of the caller's request.
type StatusResponse struct {
	Status string `json:"status"`
}

// BanResponse reports how many live connections a ban closed.
type BanResponse struct {
	Username     string `json:"username"`
	Disconnected int    `json:"disconnected"`
}

// ErrorResponse is the JSON body returned by the server for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
