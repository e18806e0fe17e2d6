package api

import (
	"encoding/base64"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const maxUploadBytes = 20 * 1024 * 1024

var dataURLPattern = regexp.MustCompile(`^data:([^;,]+);base64,(.+)$`)

var knownUploadFormats = map[string]bool{
	"wav": true, "mp3": true, "ogg": true, "m4a": true,
	"aac": true, "flac": true, "amr": true, "webm": true,
}

func (h *Handler) uploadAudio(c echo.Context) error {
	if h.Storage == nil {
		return errorJSON(c, http.StatusServiceUnavailable, "storage_not_configured",
			"Object storage is not configured on this server", nil)
	}

	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
	}

	fileName := strings.TrimSpace(req.FileName)
	if fileName == "" {
		return errorJSON(c, http.StatusBadRequest, "invalid_upload", "fileName is required", nil)
	}

	raw := strings.TrimSpace(req.FileDataBase64)
	if raw == "" {
		return errorJSON(c, http.StatusBadRequest, "invalid_upload", "fileDataBase64 is required", nil)
	}

	contentType := strings.TrimSpace(req.ContentType)
	if match := dataURLPattern.FindStringSubmatch(raw); match != nil {
		if contentType == "" {
			contentType = match[1]
		}
		raw = match[2]
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_upload", "fileDataBase64 is not valid base64", nil)
	}
	if len(data) == 0 {
		return errorJSON(c, http.StatusBadRequest, "invalid_upload", "uploaded file is empty", nil)
	}
	if len(data) > maxUploadBytes {
		return errorJSON(c, http.StatusRequestEntityTooLarge, "upload_too_large",
			"uploaded file exceeds the 20 MiB limit", nil)
	}

	stored, err := h.Storage.Upload(c.Request().Context(), fileName, contentType, data)
	if err != nil {
		h.Logger.Error("Upload failed", zap.String("fileName", fileName), zap.Error(err))
		return errorJSON(c, http.StatusBadGateway, "upload_failed", "Failed to store uploaded file", nil)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":          true,
		"key":         stored.Key,
		"url":         stored.URL,
		"size":        stored.Size,
		"audioFormat": inferUploadFormat(fileName, contentType),
	})
}

// inferUploadFormat guesses the audio format for the subsequent file
// transcription call: file extension first, then the content type.
func inferUploadFormat(fileName, contentType string) string {
	ext := strings.TrimPrefix(path.Ext(strings.ToLower(strings.TrimSpace(fileName))), ".")
	if knownUploadFormats[ext] {
		return ext
	}

	normalized := strings.ToLower(contentType)
	switch {
	case strings.Contains(normalized, "wav"):
		return "wav"
	case strings.Contains(normalized, "mpeg"), strings.Contains(normalized, "mp3"):
		return "mp3"
	case strings.Contains(normalized, "ogg"):
		return "ogg"
	case strings.Contains(normalized, "aac"):
		return "aac"
	case strings.Contains(normalized, "flac"):
		return "flac"
	case strings.Contains(normalized, "webm"):
		return "webm"
	case strings.Contains(normalized, "m4a"), strings.Contains(normalized, "mp4"):
		return "m4a"
	}
	return "wav"
}
