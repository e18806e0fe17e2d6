package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jackiexiao/asr-gateway/adapters/volc"
)

func (h *Handler) submitFileTask(c echo.Context) error {
	var input volc.FileTaskInput
	if err := c.Bind(&input); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
	}

	result, err := h.FileClient.Submit(c.Request().Context(), input)
	if err != nil {
		return h.taskError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":         true,
		"taskId":     result.TaskID,
		"normalized": result.Normalized,
		"meta":       result.Meta,
	})
}

func (h *Handler) queryFileTask(c echo.Context) error {
	var req QueryTaskRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
	}

	snapshot, err := h.FileClient.Query(c.Request().Context(), req.TaskID)
	if err != nil {
		return h.taskError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":      true,
		"taskId":  snapshot.TaskID,
		"state":   snapshot.State,
		"code":    snapshot.Code,
		"message": snapshot.Message,
		"text":    snapshot.Text,
	})
}

func (h *Handler) recognizeFile(c echo.Context) error {
	var input volc.FileTaskInput
	if err := c.Bind(&input); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
	}

	result, err := h.FileClient.Recognize(c.Request().Context(), input)
	if err != nil {
		return h.taskError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":         true,
		"taskId":     result.TaskID,
		"text":       result.Text,
		"state":      result.Final.State,
		"normalized": result.Normalized,
		"history":    result.History,
	})
}

// taskError maps the file-task error taxonomy onto HTTP statuses. Timeouts
// keep the accumulated poll history in the details so the caller can resume
// by task id later.
func (h *Handler) taskError(c echo.Context, err error) error {
	if errors.Is(err, volc.ErrInvalidInput) {
		return errorJSON(c, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	}
	if errors.Is(err, volc.ErrMissingCredentials) {
		return errorJSON(c, http.StatusInternalServerError, "missing_credentials",
			"Volcengine credentials are not configured", nil)
	}

	var taskErr *volc.TaskError
	if errors.As(err, &taskErr) {
		details := map[string]interface{}{
			"taskId":  taskErr.TaskID,
			"meta":    taskErr.Meta,
			"history": taskErr.History,
		}
		if taskErr.Last != nil {
			details["last"] = taskErr.Last
		}
		switch taskErr.Kind {
		case volc.QueryTimeout:
			return errorJSON(c, http.StatusGatewayTimeout, string(taskErr.Kind), taskErr.Message, details)
		case volc.SubmitFailed, volc.QueryFailed:
			return errorJSON(c, http.StatusBadGateway, string(taskErr.Kind), taskErr.Message, details)
		}
	}

	h.Logger.Error("Unexpected file task error", zap.Error(err))
	return errorJSON(c, http.StatusInternalServerError, "internal_error", "Unexpected error", nil)
}
