package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/shopchat/internal/chat"
	"github.com/suPer8Hu/shopchat/internal/common"
)

// ---- sessions ----

type createSessionReq struct {
	Title    string `json:"title"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req createSessionReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	sess, err := h.ChatSvc.CreateSession(c.Request.Context(), uid, req.Title, req.Provider, req.Model)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	page, size := pageQuery(c)
	items, p, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"items": items, "pagination": p})
}

func (h *Handler) GetChatSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	sess, msgs, err := h.ChatSvc.GetSession(c.Request.Context(), uid, c.Param("session_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"session": sess, "messages": msgs})
}

type renameSessionReq struct {
	Title string `json:"title"`
}

func (h *Handler) RenameChatSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req renameSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	sess, err := h.ChatSvc.RenameSession(c.Request.Context(), uid, c.Param("session_id"), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, sess)
}

func (h *Handler) DeleteChatSession(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	sid := c.Param("session_id")
	if err := h.ChatSvc.DeleteSession(c.Request.Context(), uid, sid); err != nil {
		h.fail(c, err)
		return
	}
	common.OKMsg(c, "session deleted", gin.H{"session_id": sid})
}

// ---- messages ----

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	page, size := pageQuery(c)
	msgs, p, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, c.Param("session_id"), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"items": msgs, "pagination": p})
}

func (h *Handler) GetChatMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	mid, ok := idParam(c, "message_id")
	if !ok {
		return
	}
	m, err := h.ChatSvc.GetMessage(c.Request.Context(), uid, c.Param("session_id"), mid)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, m)
}

type createMessageReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Role      string `json:"role"`
	Content   string `json:"content" binding:"required"`
}

func (h *Handler) CreateChatMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req createMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusUnprocessableEntity, 10003, "session_id and content are required")
		return
	}
	m, err := h.ChatSvc.CreateMessage(c.Request.Context(), uid, req.SessionID, req.Role, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, m)
}

type editMessageReq struct {
	Content string `json:"content"`
}

func (h *Handler) EditChatMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	mid, ok := idParam(c, "message_id")
	if !ok {
		return
	}
	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	m, err := h.ChatSvc.EditMessage(c.Request.Context(), uid, mid, req.Content)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, m)
}

func (h *Handler) DeleteChatMessage(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	mid, ok := idParam(c, "message_id")
	if !ok {
		return
	}
	if err := h.ChatSvc.DeleteMessage(c.Request.Context(), uid, mid); err != nil {
		h.fail(c, err)
		return
	}
	common.OKMsg(c, "message deleted", gin.H{"message_id": mid})
}

// ---- completions ----

type completionReq struct {
	SessionID string `json:"session_id" binding:"required"`
	Message   string `json:"message" binding:"required"`
}

func (h *Handler) bindCompletion(c *gin.Context) (uint64, completionReq, bool) {
	var req completionReq
	uid, ok := userID(c)
	if !ok {
		return 0, req, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return 0, req, false
	}
	return uid, req, true
}

func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, req, ok := h.bindCompletion(c)
	if !ok {
		return
	}
	reply, msgID, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.SessionID, req.Message)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{
		"session_id": req.SessionID,
		"reply":      reply,
		"message_id": msgID,
	})
}

// SendChatMessageStream relays the reply as server-sent events: chunk*,
// then done or error, with a ping every 15s.
func (h *Handler) SendChatMessageStream(c *gin.Context) {
	uid, req, ok := h.bindCompletion(c)
	if !ok {
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		common.Fail(c, http.StatusInternalServerError, 50003, "streaming unsupported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	chunks, done, msgIDCh, errs := h.ChatSvc.SendMessageStream(ctx, uid, req.SessionID, req.Message)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	writeEvent := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}
	writeError := func(err error) {
		msg := "failed to generate reply"
		if errors.Is(err, common.ErrNotFound) || errors.Is(err, common.ErrInvalidInput) {
			msg = err.Error()
		} else {
			h.Log.WithError(err).WithField("session_id", req.SessionID).Warn("stream completion failed")
		}
		writeEvent("error", gin.H{"type": "error", "message": msg})
	}

	for {
		select {
		case ch, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			writeEvent("chunk", gin.H{"type": "chunk", "delta": ch})

		case <-ticker.C:
			writeEvent("ping", gin.H{"type": "ping", "ts": time.Now().Unix()})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			writeError(err)
			return

		case <-done:
			// chunks and errs close before done but may still hold values
			if chunks != nil {
				for ch := range chunks {
					writeEvent("chunk", gin.H{"type": "chunk", "delta": ch})
				}
			}
			if errs != nil {
				if err, ok := <-errs; ok && err != nil {
					writeError(err)
					return
				}
			}
			writeEvent("done", gin.H{"type": "done", "message_id": <-msgIDCh})
			return

		case <-ctx.Done():
			return
		}
	}
}

// SendChatMessageAsync stores the user message and queues a reply job. An
// Idempotency-Key header makes retries return the original job.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, req, ok := h.bindCompletion(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 10005, "idempotency key too long")
		return
	}
	var keyPtr *string
	if idempoKey != "" {
		keyPtr = &idempoKey
	}

	if _, _, err := h.ChatSvc.InsertUserMessageOrGetExisting(ctx, uid, req.SessionID, req.Message, keyPtr); err != nil {
		h.fail(c, err)
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		h.fail(c, err)
		return
	}
	job, created, err := h.ChatSvc.CreateJobOrGetExisting(ctx, &chat.Job{
		ID:             jobID,
		UserID:         uid,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		IdempotencyKey: keyPtr,
		Status:         chat.JobQueued,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	// enqueue only when a new job was created
	if created {
		if err := h.Jobs.PublishJob(ctx, job.ID); err != nil {
			h.Log.WithError(err).WithField("job_id", job.ID).Error("publish job failed")
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}
	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"job": j})
}
