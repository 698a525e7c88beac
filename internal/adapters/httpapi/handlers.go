package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bnema/chatsession/internal/application"
	"github.com/bnema/chatsession/internal/domain"
	"github.com/gin-gonic/gin"
)

const sessionKey = "session"

type sessionView struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Level   int               `json:"level"`
	Params  map[string]string `json:"params"`
	State   string            `json:"state"`
	Tokens  int               `json:"tokens"`
	Engine  string            `json:"engine"`
	Account string            `json:"account,omitempty"`
	Status  string            `json:"status"`
}

type replyView struct {
	ConversationID string `json:"conversation_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Content        string `json:"content"`
	Complete       bool   `json:"complete"`
}

type messageView struct {
	ID      string            `json:"id"`
	Sender  string            `json:"sender"`
	Content string            `json:"content"`
	Tokens  int               `json:"tokens"`
	Remark  map[string]string `json:"remark,omitempty"`
}

type appendRequest struct {
	Text   string            `json:"text" binding:"required"`
	Remark map[string]string `json:"remark"`
}

type sendAwayRequest struct {
	Text  string `json:"text" binding:"required"`
	Level int    `json:"level"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newSessionView(s *application.Session) sessionView {
	index := s.Index()
	state, tokens := s.Status()
	view := sessionView{
		ID:     index.ID,
		Type:   index.Type,
		Level:  index.Level,
		Params: index.Params,
		State:  state.String(),
		Tokens: tokens,
		Engine: domain.EngineNone.Label(),
		Status: domain.StatusUninitialized.String(),
	}
	if conv := s.Conversation(); conv != nil {
		view.Engine = conv.Pointer.Engine.Label()
		view.Account = conv.Pointer.Account
		view.Status = conv.Pointer.Status.String()
	}
	return view
}

func newReplyView(r domain.Reply) replyView {
	return replyView{
		ConversationID: r.ConversationID,
		MessageID:      r.MessageID,
		Content:        r.Content,
		Complete:       r.Complete,
	}
}

func writeError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(domain.HTTPStatus(err), errorResponse{Error: err.Error()})
}

func requiredQuery(c *gin.Context, name string) (string, bool) {
	value := strings.TrimSpace(c.Query(name))
	if value == "" {
		writeError(c, fmt.Errorf("missing %s query: %w", name, domain.ErrInvalidParam))
		return "", false
	}
	return value, true
}

// bindParams reads an optional JSON object of string params.
func bindParams(c *gin.Context) (map[string]string, bool) {
	params := map[string]string{}
	if c.Request.ContentLength == 0 {
		return params, true
	}
	if err := c.ShouldBindJSON(&params); err != nil {
		writeError(c, fmt.Errorf("decode params: %v: %w", err, domain.ErrInvalidParam))
		return nil, false
	}
	return params, true
}

func (s *Server) requireSession(c *gin.Context) {
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	session, err := s.manager.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Set(sessionKey, session)
	c.Next()
}

func sessionFrom(c *gin.Context) *application.Session {
	return c.MustGet(sessionKey).(*application.Session)
}

func (s *Server) handlePing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (s *Server) handleTypes(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Types())
}

func (s *Server) handleList(c *gin.Context) {
	sessions := s.manager.List()
	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, newSessionView(session))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleCreate(c *gin.Context) {
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	typ, ok := requiredQuery(c, "type")
	if !ok {
		return
	}
	params, ok := bindParams(c)
	if !ok {
		return
	}

	session, err := s.manager.Add(c.Request.Context(), id, typ, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionView(session))
}

func (s *Server) handleInherit(c *gin.Context) {
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	from, ok := requiredQuery(c, "from")
	if !ok {
		return
	}

	session, err := s.manager.Inherit(c.Request.Context(), id, from)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newSessionView(session))
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := requiredQuery(c, "id")
	if !ok {
		return
	}
	archived, err := s.manager.Remove(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

// handleAppend queues a user message. With wait=true it answers with the
// reply once the session settles.
func (s *Server) handleAppend(c *gin.Context) {
	session := sessionFrom(c)
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("decode message: %v: %w", err, domain.ErrInvalidParam))
		return
	}

	ctx := c.Request.Context()
	if err := session.AppendMsg(ctx, req.Text, req.Remark); err != nil {
		writeError(c, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusAccepted, newSessionView(session))
		return
	}
	if err := session.WaitIdle(ctx); err != nil {
		writeError(c, err)
		return
	}
	reply, err := session.Get(ctx, false)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReplyView(reply))
}

func (s *Server) handleGet(c *gin.Context) {
	stop, _ := strconv.ParseBool(c.Query("stop"))
	reply, err := sessionFrom(c).Get(c.Request.Context(), stop)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReplyView(reply))
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, newSessionView(sessionFrom(c)))
}

func (s *Server) handleHistory(c *gin.Context) {
	messages := sessionFrom(c).History()
	views := make([]messageView, 0, len(messages))
	for _, m := range messages {
		views = append(views, messageView{
			ID:      m.ID,
			Sender:  string(m.Sender),
			Content: m.Content,
			Tokens:  m.Tokens,
			Remark:  m.Remark,
		})
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleMemo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"memo": sessionFrom(c).Memo()})
}

func (s *Server) handleGetRemark(c *gin.Context) {
	remark, err := sessionFrom(c).Remark(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, remark)
}

func (s *Server) handleSetRemark(c *gin.Context) {
	remark, ok := bindParams(c)
	if !ok {
		return
	}
	if err := sessionFrom(c).SetRemark(c.Request.Context(), remark); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, remark)
}

func (s *Server) handleSetParams(c *gin.Context) {
	params, ok := bindParams(c)
	if !ok {
		return
	}
	session := sessionFrom(c)
	if err := session.SetParams(c.Request.Context(), params); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionView(session))
}

func (s *Server) handleCompress(c *gin.Context) {
	session := sessionFrom(c)
	if err := session.ForceCompress(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, newSessionView(session))
}

func (s *Server) handleSendAway(c *gin.Context) {
	var req sendAwayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("decode message: %v: %w", err, domain.ErrInvalidParam))
		return
	}
	reply, err := s.manager.Scheduler().SendAway(c.Request.Context(), req.Text, req.Level)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": reply})
}
