package api

type ClientEvent struct {
	EventType ClientEventType `json:"eventType"`
	EventData interface{}     `json:"eventData"`
	Status    string          `json:"status"`
	Error     error           `json:"error"`
}

type ClientEventType string

const (
	ClientEventType_Initialized            ClientEventType = "initialized"
	ClientEventType_Error                  ClientEventType = "error"
	ClientEventType_ConnectionStateChanged ClientEventType = "connectionStateChanged"
	ClientEventType_Unauthenticated        ClientEventType = "unauthenticated"
	ClientEventType_CredentialsRefreshed   ClientEventType = "credentialsRefreshed"
	ClientEventType_MalformedFrame         ClientEventType = "malformedFrame"
)

// ErrorResponse is the body shape the backend uses for failed requests.
type ErrorResponse struct {
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}
