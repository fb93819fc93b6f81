package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status      string    `json:"status"`
	Database    string    `json:"database"`
	SyncRunning bool      `json:"syncRunning"`
	Timestamp   time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse acknowledges an action endpoint
type StatusResponse struct {
	Status string `json:"status"`
}
