package api

// RunRequest asks for the submitted code to be executed on behalf of the
// websocket connection identified by SocketID. The JSON field names are
// part of the client contract.
type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"` // python, cpp, java
	SocketID string `json:"socketId"`
}

// RunResponse acknowledges a launched run. Output arrives over the
// websocket, not in this response.
type RunResponse struct {
	Status   string `json:"status"` // always "started"
	SocketID string `json:"socketId"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Backend   bool   `json:"backend"`
	Workspace bool   `json:"workspace"`
	Uptime    string `json:"uptime"`
}
