package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SaveRecordingURLRequest records an externally stored recording.
type SaveRecordingURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) saveRecordingURL(c *gin.Context) {
	var req SaveRecordingURLRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		badRequest(c, "url is required")
		return
	}
	updated, err := s.sessions.SaveRecordingURL(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.URL))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// PresignRecordingRequest names the content type of the upcoming upload.
type PresignRecordingRequest struct {
	ContentType string `json:"contentType"`
}

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions/:id/recording/upload-url - presigned PUT keyed commerceId/sessionId/<unix-ms>
func (s *Server) presignRecording(c *gin.Context) {
	if !s.recordingsConfigured(c) {
		return
	}
	var req PresignRecordingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body")
			return
		}
	}
	found, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ticket, err := s.recordings.PresignUpload(c.Request.Context(), found.CommerceID, found.ID, req.ContentType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions/:id/recording - multipart "file" upload fallback, stores the URL on the session
func (s *Server) uploadRecording(c *gin.Context) {
	if !s.recordingsConfigured(c) {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRecordingBytes)

	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "multipart field \"file\" is required")
		return
	}
	found, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	file, err := header.Open()
	if err != nil {
		badRequest(c, "unreadable upload")
		return
	}
	defer file.Close()

	url, err := s.recordings.Upload(c.Request.Context(), found.CommerceID, found.ID,
		header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	updated, err := s.sessions.SaveRecordingURL(c.Request.Context(), found.ID, url)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, updated)
}

func (s *Server) recordingsConfigured(c *gin.Context) bool {
	if s.recordings == nil {
		fail(c, http.StatusNotImplemented, ErrCodeNotConfigured, "recording storage is not configured")
		return false
	}
	return true
}
