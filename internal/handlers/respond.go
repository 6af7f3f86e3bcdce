package handlers

import (
	"net/http"

	"github.com/ecoshare/backend/internal/apperr"
	"github.com/ecoshare/backend/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrorResponse sends a standardized error response
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// respondError maps err to its status and a message safe to show clients.
// Server side failures are logged with the request route.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("method", c.Request.Method),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": apperr.Public(err), "code": apperr.Code(err)})
}

// currentUser returns the authenticated caller or responds 401.
func currentUser(c *gin.Context) (uuid.UUID, bool) {
	uid, ok := middleware.UserID(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, false
	}
	return uid, true
}

// uuidParam parses a path parameter or responds 400.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
