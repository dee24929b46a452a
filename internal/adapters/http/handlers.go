package http

import (
	"errors"
	"fmt"
	stdhttp "net/http"
	"strings"

	"github.com/dkeye/Classroom/internal/adapters/signal"
	"github.com/dkeye/Classroom/internal/app/gate"
	"github.com/dkeye/Classroom/internal/core"
	"github.com/dkeye/Classroom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	Deps
	gate *gate.Gate
}

type (
	loginRequest struct {
		UserID domain.UserID `json:"user_id" binding:"required,max=36"`
	}
	statusRequest struct {
		Status domain.ModuleStatus `json:"status" binding:"required,oneof=programado finalizado"`
	}
	messageRequest struct {
		Text string `json:"message_text" binding:"required,max=2000"`
	}
	tokenRequest struct {
		RoomName        string `json:"roomName" binding:"required"`
		ParticipantName string `json:"participantName" binding:"required"`
	}
)

func identity(c *gin.Context) domain.UserID {
	return domain.UserID(c.GetString(signal.IdentityKey))
}

func fail(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

// bindError flattens validation failures into one readable message.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid fields: %s", strings.Join(fields, ", "))
}

// storeFail maps a store error to a status code.
func storeFail(c *gin.Context, op string, err error) {
	if errors.Is(err, core.ErrNotFound) {
		fail(c, stdhttp.StatusNotFound, err)
		return
	}
	log.Error().Err(err).Str("module", "adapters.http").Str("op", op).Msg("store error")
	fail(c, stdhttp.StatusInternalServerError, err)
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{
		"status":      "ok",
		"topics":      h.Hub.List(),
		"connections": h.Registry.Count(),
	})
}

func (h *handlers) whoAmI(c *gin.Context) {
	id := identity(c)
	if id == "" {
		fail(c, stdhttp.StatusUnauthorized, core.ErrAccessDenied)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"user_id": id})
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, stdhttp.StatusBadRequest, bindError(err))
		return
	}
	if !domain.ValidUserID(req.UserID) {
		fail(c, stdhttp.StatusBadRequest, domain.ErrUserIDInvalid)
		return
	}
	sess := sessions.Default(c)
	sess.Set(sessionUserKey, string(req.UserID))
	if err := sess.Save(); err != nil {
		fail(c, stdhttp.StatusInternalServerError, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("identity", string(req.UserID)).Msg("session bound")
	c.JSON(stdhttp.StatusOK, gin.H{"user_id": req.UserID})
}

func (h *handlers) logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Delete(sessionUserKey)
	_ = sess.Save()
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) getModule(c *gin.Context) {
	m, err := h.Stores.GetModule(c.Request.Context(), domain.ModuleID(c.Param("id")))
	if err != nil {
		storeFail(c, "get_module", err)
		return
	}
	c.JSON(stdhttp.StatusOK, m)
}

// setModuleStatus is reserved to the module's owner.
func (h *handlers) setModuleStatus(c *gin.Context) {
	id := domain.ModuleID(c.Param("id"))
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, stdhttp.StatusBadRequest, bindError(err))
		return
	}
	if !h.gate.VerifyOwnership(c.Request.Context(), id, identity(c)) {
		fail(c, stdhttp.StatusForbidden, core.ErrAccessDenied)
		return
	}
	if err := h.Stores.SetModuleStatus(c.Request.Context(), id, req.Status); err != nil {
		storeFail(c, "set_module_status", err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(id)).Str("status", string(req.Status)).Msg("module status set")
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) moduleOwner(c *gin.Context) {
	course, err := h.Stores.ModuleOwnerCourse(c.Request.Context(), domain.ModuleID(c.Param("id")))
	if err != nil {
		storeFail(c, "module_owner", err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"course_id": course})
}

func (h *handlers) courseTeacher(c *gin.Context) {
	teacher, err := h.Stores.CourseTeacher(c.Request.Context(), domain.CourseID(c.Param("id")))
	if err != nil {
		storeFail(c, "course_teacher", err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"teacher_id": teacher})
}

func (h *handlers) eligibility(c *gin.Context) {
	m, err := h.Stores.GetModule(c.Request.Context(), domain.ModuleID(c.Param("id")))
	if err != nil {
		storeFail(c, "eligibility", err)
		return
	}
	c.JSON(stdhttp.StatusOK, h.Window.Check(m, h.Clock()))
}

func (h *handlers) history(c *gin.Context) {
	msgs, err := h.Stores.History(c.Request.Context(), domain.ModuleID(c.Param("id")))
	if err != nil {
		storeFail(c, "history", err)
		return
	}
	c.JSON(stdhttp.StatusOK, msgs)
}

// sendMessage stores a message from the caller. Subscribers get it through
// the realtime insert feed.
func (h *handlers) sendMessage(c *gin.Context) {
	sender := identity(c)
	if sender == "" {
		fail(c, stdhttp.StatusUnauthorized, core.ErrAccessDenied)
		return
	}
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, stdhttp.StatusBadRequest, bindError(err))
		return
	}
	text, err := domain.CleanText(req.Text)
	if err != nil {
		fail(c, stdhttp.StatusBadRequest, err)
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(sender) {
		log.Warn().Str("module", "adapters.http").Str("identity", string(sender)).Msg("chat send rate limited")
		fail(c, stdhttp.StatusTooManyRequests, errors.New("too many messages"))
		return
	}
	msg, err := h.Stores.Insert(c.Request.Context(), domain.ChatMessage{
		SessionID: domain.ModuleID(c.Param("id")),
		SenderID:  sender,
		Text:      text,
		SentAt:    h.Clock(),
	})
	if err != nil {
		storeFail(c, "insert", err)
		return
	}
	c.JSON(stdhttp.StatusCreated, msg)
}

func (h *handlers) getProfile(c *gin.Context) {
	u, err := h.Stores.GetProfile(c.Request.Context(), domain.UserID(c.Param("id")))
	if err != nil {
		storeFail(c, "get_profile", err)
		return
	}
	c.JSON(stdhttp.StatusOK, u)
}

// issueToken answers every failure with 400 and an error body.
func (h *handlers) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, stdhttp.StatusBadRequest, errors.New("roomName and participantName are required"))
		return
	}
	if h.Tokens == nil {
		fail(c, stdhttp.StatusBadRequest, errors.New("token service not configured"))
		return
	}
	token, err := h.Tokens.IssueToken(c.Request.Context(), req.RoomName, req.ParticipantName)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Str("room", req.RoomName).Msg("issue token")
		fail(c, stdhttp.StatusBadRequest, err)
		return
	}
	resp := gin.H{"token": token}
	if h.RelayURL != "" {
		resp["url"] = h.RelayURL
	}
	c.JSON(stdhttp.StatusOK, resp)
}
