package response

import (
	"net/http"

	appErrors "github.com/charlesng35/homesync/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response defines the base payload returned by the agent's own endpoints.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo holds error details to send to clients.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta describes list metadata.
type Meta struct {
	Total int64 `json:"total"`
}

// Queued is the payload of a mutation accepted while offline.
type Queued struct {
	Queued bool   `json:"queued"`
	ID     uint64 `json:"id"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// SuccessWithMeta writes a JSON success response including metadata.
func SuccessWithMeta(c *gin.Context, statusCode int, data interface{}, meta *Meta) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
		Meta:    meta,
	})
}

// Deferred tells the caller its mutation was stored locally and will be replayed.
// Clients render this as "saved, will sync later" rather than as a failure.
func Deferred(c *gin.Context, id uint64) {
	c.Header("X-Homesync-Queued", "true")
	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Data:    Queued{Queued: true, ID: id},
	})
}

// Error writes a JSON error response derived from an AppError.
func Error(c *gin.Context, err error) {
	if err == nil {
		err = appErrors.ErrInternalServer
	}

	appErr := appErrors.FromError(err)
	status := appErr.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    appErr.Code,
			Message: appErr.Message,
		},
	})
}
