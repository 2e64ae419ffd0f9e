package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Error codes carried in the body next to the HTTP status.
const (
	CodeOK           = 0
	CodeInvalidParam = 40001
	CodeUnauthorized = 40101
	CodeNotFound     = 40401
	CodeConflict     = 40901
	CodeServerErr    = 50001
	CodeUnavailable  = 50301
)

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"code": CodeOK, "data": data})
}

func fail(c *gin.Context, status, code int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "message": msg})
}

// limitParam reads ?limit=, defaulting to def and capped at 500.
func limitParam(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fail(c, http.StatusBadRequest, CodeInvalidParam, "limit must be a positive integer")
		return 0, false
	}
	return min(n, 500), true
}
