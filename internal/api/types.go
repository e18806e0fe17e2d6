package api

import "time"

// TokenRequest asks for a browser session token for the relay endpoint.
type TokenRequest struct {
	ClientID string `json:"clientId"`
}

// TokenResponse carries a minted session token.
type TokenResponse struct {
	OK        bool      `json:"ok"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// QueryTaskRequest identifies one file transcription task.
type QueryTaskRequest struct {
	TaskID string `json:"taskId"`
}

// UploadRequest carries one recorded audio file as base64, either raw or as
// a data URL.
type UploadRequest struct {
	FileName       string `json:"fileName"`
	ContentType    string `json:"contentType,omitempty"`
	FileDataBase64 string `json:"fileDataBase64"`
}

// ErrorBody is the error envelope of every failed response.
type ErrorBody struct {
	OK      bool        `json:"ok"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
