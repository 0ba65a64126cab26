package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
)

// ErrorBody は統一したエラーオブジェクト
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorResponse はエラーレスポンスの外枠
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func respondError(c *gin.Context, status int, code, message string, details any) {
	logger := loggerFrom(c)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(c.Request.Context(), level, "request failed",
		"status", status,
		"code", code,
		"message", message,
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
		"requestID", c.GetString(requestIDKey))

	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// respondServiceError はサービス層のエラーを HTTP ステータスに変換する
func respondServiceError(c *gin.Context, err error) {
	var stageErr *snapshot.StageError
	switch {
	case errors.As(err, &stageErr):
		// 失敗したジョブの結果: 段階と分類、劣化・完了セクションを返す
		respondError(c, http.StatusUnprocessableEntity, string(stageErr.Class), stageErr.Message, stageErr)
	case errors.Is(err, snapshot.ErrJobNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, snapshot.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, "validation_error", err.Error(), nil)
	case errors.Is(err, snapshot.ErrUnknownSection):
		respondError(c, http.StatusNotFound, "unknown_section", err.Error(), nil)
	case errors.Is(err, snapshot.ErrNotAwaitingInput), errors.Is(err, snapshot.ErrResultNotReady):
		respondError(c, http.StatusConflict, "conflict", err.Error(), nil)
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", "internal server error", nil)
	}
}
