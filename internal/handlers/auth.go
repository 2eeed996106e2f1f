package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/livestore-signaling/internal/middleware"
	"github.com/mossy-p/livestore-signaling/internal/models"
)

const tokenTTL = 24 * time.Hour

// LoginRequest represents the login request body
type LoginRequest struct {
	Email   string          `json:"email" binding:"required"`
	Name    string          `json:"name"`
	IsAgent models.RoleFlag `json:"isAgent"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// Login issues a JWT for the given identity.
// For demo purposes there is no password; any email is accepted.
func Login(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		email := strings.TrimSpace(req.Email)
		token, err := middleware.IssueToken(jwtSecret, middleware.JWTClaims{
			Email:   email,
			Name:    req.Name,
			IsAgent: bool(req.IsAgent),
		}, tokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token: token,
			Email: email,
		})
	}
}
