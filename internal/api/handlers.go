package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"telehealth/internal/session"
	"telehealth/pkg/types"
)

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions - schedule a session; the access key is never returned
func (s *Server) createSession(c *gin.Context) {
	var req session.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	created, err := s.sessions.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// ListSessionsResponse wraps a session listing.
type ListSessionsResponse struct {
	Sessions []*types.PublicSession `json:"sessions"`
	Count    int                    `json:"count"`
}

// FUNCTIONAL DISCOVERY: GET /api/v1/sessions - filter by party, status list, and schedule window
func (s *Server) listSessions(c *gin.Context) {
	filter := types.SessionFilter{
		CommerceID: c.Query("commerceId"),
		ClientID:   c.Query("clientId"),
		DoctorID:   c.Query("doctorId"),
		ActiveOnly: true,
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := types.SessionStatus(strings.ToUpper(strings.TrimSpace(part)))
			switch status {
			case types.StatusScheduled, types.StatusActive, types.StatusCompleted, types.StatusCancelled:
				filter.Statuses = append(filter.Statuses, status)
			default:
				badRequest(c, "unknown status "+part)
				return
			}
		}
	}
	var err error
	if filter.ScheduledFrom, err = queryTime(c, "from"); err != nil {
		badRequest(c, "from must be RFC3339")
		return
	}
	if filter.ScheduledTo, err = queryTime(c, "to"); err != nil {
		badRequest(c, "to must be RFC3339")
		return
	}
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		badRequest(c, "limit must be a non-negative integer")
		return
	}

	sessions, err := s.sessions.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: sessions, Count: len(sessions)})
}

func (s *Server) getSession(c *gin.Context) {
	found, err := s.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) startSession(c *gin.Context) {
	userID, _ := caller(c)
	started, err := s.sessions.Start(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, started)
}

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions/:id/end - optional body {notes, diagnosis}
func (s *Server) endSession(c *gin.Context) {
	var opts session.EndOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			badRequest(c, "invalid JSON body")
			return
		}
	}
	userID, _ := caller(c)
	ended, err := s.sessions.End(c.Request.Context(), c.Param("id"), userID, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ended)
}

func (s *Server) cancelSession(c *gin.Context) {
	userID, _ := caller(c)
	cancelled, err := s.sessions.Cancel(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

func (s *Server) giveConsent(c *gin.Context) {
	updated, err := s.sessions.GiveConsent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) markConnected(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := s.sessions.MarkConnected(c.Request.Context(), c.Param("id"), role)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	}
}

// ValidateAccessKeyRequest is the body of the public validation route.
type ValidateAccessKeyRequest struct {
	AccessKey string `json:"accessKey"`
}

// FUNCTIONAL DISCOVERY: POST /api/v1/sessions/:id/access-key/validate - public, lockout answers 429 with Retry-After
func (s *Server) validateAccessKey(c *gin.Context) {
	var req ValidateAccessKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AccessKey) == "" {
		badRequest(c, "accessKey is required")
		return
	}
	validated, err := s.keys.Validate(c.Request.Context(), c.Param("id"), req.AccessKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, validated)
}

func (s *Server) sendAccessKey(c *gin.Context) {
	sent, err := s.keys.SendAccessKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sent)
}

func (s *Server) sendUpcoming(c *gin.Context) {
	count, err := s.keys.SendUpcoming(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": count})
}

// SendMessageBody is the body of POST /sessions/:id/messages. The sender is
// taken from the credential, never from the body.
type SendMessageBody struct {
	Message     string             `json:"message"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
}

func (s *Server) sendMessage(c *gin.Context) {
	var body SendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	userID, userType := caller(c)
	msg, err := s.messages.Send(c.Request.Context(), session.SendMessageRequest{
		SessionID:   c.Param("id"),
		SenderID:    userID,
		SenderType:  userType,
		Message:     body.Message,
		Attachments: body.Attachments,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// ListMessagesResponse wraps a page of messages.
type ListMessagesResponse struct {
	Messages []*types.Message `json:"messages"`
	Count    int              `json:"count"`
}

func (s *Server) listMessages(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		badRequest(c, "limit must be a non-negative integer")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		badRequest(c, "offset must be a non-negative integer")
		return
	}
	messages, err := s.messages.List(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ListMessagesResponse{Messages: messages, Count: len(messages)})
}

// MarkReadRequest lists the messages to mark. Empty marks all of them.
type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) markRead(c *gin.Context) {
	var req MarkReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body")
			return
		}
	}
	userID, _ := caller(c)
	count, err := s.messages.MarkRead(c.Request.Context(), c.Param("id"), userID, req.MessageIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": count})
}

// MonitoringStats is the body of GET /monitoring/stats.
type MonitoringStats struct {
	ActiveSessions   int                `json:"activeSessions"`
	StatusCounts     types.StatusCounts `json:"statusCounts"`
	Connections      int                `json:"connections"`
	Rooms            int                `json:"rooms"`
	MaxConnections   int                `json:"maxConnections"`
	BackplaneEnabled bool               `json:"backplaneEnabled"`
}

func (s *Server) monitoringStats(c *gin.Context) {
	stats, err := s.sessions.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	realtime := s.realtime.Stats()
	c.JSON(http.StatusOK, MonitoringStats{
		ActiveSessions:   stats.ActiveSessions,
		StatusCounts:     stats.StatusCounts,
		Connections:      realtime.Connections,
		Rooms:            realtime.Rooms,
		MaxConnections:   realtime.MaxConnections,
		BackplaneEnabled: s.backplane != nil && s.backplane.Enabled(),
	})
}

func queryTime(c *gin.Context, key string) (*time.Time, error) {
	raw := c.Query(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
