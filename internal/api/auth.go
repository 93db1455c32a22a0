package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"telehealth/internal/identity"
	"telehealth/pkg/types"
)

const (
	userIDKey   = "userID"
	userTypeKey = "userType"

	accessKeyHeader = "X-Access-Key"
)

// requireStaff admits requests carrying a valid staff bearer token.
func (s *Server) requireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authenticateStaff(c) {
			return
		}
		c.Next()
	}
}

// requireAccessKey admits the client of the session named by :id when
// X-Access-Key validates. Each check counts as a validation attempt.
func (s *Server) requireAccessKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.authenticateKey(c) {
			return
		}
		c.Next()
	}
}

// requireParticipant accepts either credential. A bearer token takes
// precedence when both are sent.
func (s *Server) requireParticipant() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ok bool
		if c.GetHeader("Authorization") != "" {
			ok = s.authenticateStaff(c)
		} else {
			ok = s.authenticateKey(c)
		}
		if !ok {
			return
		}
		c.Next()
	}
}

func (s *Server) authenticateStaff(c *gin.Context) bool {
	header := c.GetHeader("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		writeError(c, identity.ErrMissingToken)
		return false
	}

	id, err := s.verifier.Verify(c.Request.Context(), strings.TrimSpace(token))
	if err != nil {
		writeError(c, err)
		return false
	}
	c.Set(userIDKey, id.UserID)
	c.Set(userTypeKey, types.UserTypeStaff)
	return true
}

func (s *Server) authenticateKey(c *gin.Context) bool {
	code := strings.TrimSpace(c.GetHeader(accessKeyHeader))
	if code == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing access key")
		return false
	}

	session, err := s.keys.Validate(c.Request.Context(), c.Param("id"), code)
	if err != nil {
		writeError(c, err)
		return false
	}
	c.Set(userIDKey, session.ClientID)
	c.Set(userTypeKey, types.UserTypeClient)
	return true
}

// caller returns the authenticated user id and type.
func caller(c *gin.Context) (string, string) {
	return c.GetString(userIDKey), c.GetString(userTypeKey)
}
