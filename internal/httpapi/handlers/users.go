package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ai-relay/internal/auth"
	"github.com/suPer8Hu/ai-relay/internal/common"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/middleware"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

const tokenTTL = 24 * time.Hour

type createUserReq struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) accountsEnabled(c *gin.Context) bool {
	if h.Users == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "accounts require a database")
		return false
	}
	return true
}

func (h *Handler) CreateUser(c *gin.Context) {
	if !h.accountsEnabled(c) {
		return
	}
	var req createUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if req.Email == "" || req.Password == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "email and password required")
		return
	}
	if len(req.Password) < 8 {
		common.Fail(c, http.StatusBadRequest, 10005, "password must be at least 8 characters")
		return
	}
	if req.Name == "" {
		req.Name, _, _ = strings.Cut(req.Email, "@")
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20002, "failed to hash password")
		return
	}
	user := users.User{Email: req.Email, Name: req.Name, PasswordHash: hash}
	if err := h.Users.Create(c.Request.Context(), &user); err != nil {
		if errors.Is(err, users.ErrEmailTaken) {
			common.Fail(c, http.StatusConflict, 10003, "email already registered")
			return
		}
		h.Log.Error("create user failed", "err", err)
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}

	token, err := auth.SignJWT(user.ID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{
		"id":     user.ID,
		"email":  user.Email,
		"name":   user.Name,
		"avatar": user.Avatar,
		"token":  token,
	})
}

func (h *Handler) Login(c *gin.Context) {
	if !h.accountsEnabled(c) {
		return
	}
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	u, err := h.Users.ByEmail(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, users.ErrUserNotFound) {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	if u == nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		common.Fail(c, http.StatusUnauthorized, 40103, "invalid email or password")
		return
	}
	token, err := auth.SignJWT(u.ID, h.Cfg.JWTSecret, tokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}
	common.OK(c, gin.H{"token": token, "user": u})
}

func (h *Handler) Me(c *gin.Context) {
	if !h.accountsEnabled(c) {
		return
	}
	uid, _ := middleware.UserID(c)
	u, err := h.Users.Get(c.Request.Context(), uid)
	if errors.Is(err, users.ErrUserNotFound) {
		common.Fail(c, http.StatusNotFound, 40401, "user not found")
		return
	}
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20001, "db error")
		return
	}
	common.OK(c, u)
}
