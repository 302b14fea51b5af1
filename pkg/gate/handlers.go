// Package gate is the HTTP front door: account registration, password
// reset, and login. It owns no session state; login ends with a referral
// to a chat server obtained from the status service.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/db"
	"github.com/quiver-im/quiver/pkg/rpc"
)

// UserStore is the slice of the data layer the gate needs. *db.Store
// satisfies it.
type UserStore interface {
	RegisterUser(ctx context.Context, name, email, password string) (int64, error)
	CheckEmail(ctx context.Context, name, email string) error
	UpdatePassword(ctx context.Context, email, newPassword string) error
	CheckPassword(ctx context.Context, email, password string) (*db.User, error)
}

// CodeStore reads pending verification codes. *cache.Cache satisfies it.
type CodeStore interface {
	GetVerifyCode(ctx context.Context, email string) (string, error)
}

// Verifier asks the mail service to send a code. *rpc.VerifyClient
// satisfies it.
type Verifier interface {
	GetVerifyCode(ctx context.Context, email string) (*rpc.GetVerifyRsp, error)
}

// Placer places a login on a chat server. *rpc.StatusClient satisfies it.
type Placer interface {
	GetChatServer(ctx context.Context, uid int64) (*rpc.GetChatServerRsp, error)
}

// Handlers carries the gate's route implementations.
type Handlers struct {
	store    UserStore
	codes    CodeStore
	verify   Verifier
	status   Placer
	validate *validator.Validate
}

// NewHandlers wires the gate's collaborators.
func NewHandlers(store UserStore, codes CodeStore, verify Verifier, status Placer) *Handlers {
	return &Handlers{
		store:    store,
		codes:    codes,
		verify:   verify,
		status:   status,
		validate: validator.New(),
	}
}

// decode parses and validates a JSON request body. Malformed or invalid
// bodies map to ErrJSONParse on the wire.
func (h *Handlers) decode(r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return false
	}
	return h.validate.Struct(dst) == nil
}

// checkCode compares the submitted verification code against the cache.
// Returns 0, ErrVerifyExpired, or ErrVerifyCode.
func (h *Handlers) checkCode(ctx context.Context, email, code string) int {
	stored, err := h.codes.GetVerifyCode(ctx, email)
	if errors.Is(err, cache.ErrNotFound) {
		return rpc.ErrVerifyExpired
	}
	if err != nil {
		logger.Error("Verify code lookup failed", "email", email, "error", err)
		return rpc.ErrRPCFailed
	}
	if stored != code {
		return rpc.ErrVerifyCode
	}
	return rpc.Success
}

type getVerifyCodeRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// GetVerifyCode handles POST /get_verifycode: relay the request to the
// verify service, which generates, caches, and mails the code.
func (h *Handlers) GetVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req getVerifyCodeRequest
	if !h.decode(r, &req) {
		writeError(w, rpc.ErrJSONParse)
		return
	}

	rsp, err := h.verify.GetVerifyCode(r.Context(), req.Email)
	if err != nil {
		logger.Error("Verify service unreachable", "email", req.Email, "error", err)
		writeError(w, rpc.ErrRPCFailed)
		return
	}
	if rsp.Error != rpc.Success {
		writeError(w, rsp.Error)
		return
	}

	writeJSON(w, map[string]any{"error": rpc.Success, "email": req.Email})
}

type registerRequest struct {
	User       string `json:"user" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Passwd     string `json:"passwd" validate:"required"`
	Confirm    string `json:"confirm" validate:"required"`
	VarifyCode string `json:"varifycode" validate:"required"`
}

// Register handles POST /user_register.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(r, &req) {
		writeError(w, rpc.ErrJSONParse)
		return
	}
	if req.Passwd != req.Confirm {
		writeError(w, rpc.ErrPasswd)
		return
	}
	if code := h.checkCode(r.Context(), req.Email, req.VarifyCode); code != rpc.Success {
		writeError(w, code)
		return
	}

	uid, err := h.store.RegisterUser(r.Context(), req.User, req.Email, req.Passwd)
	if errors.Is(err, db.ErrDuplicateUser) {
		writeError(w, rpc.ErrUserExist)
		return
	}
	if err != nil {
		logger.Error("Registration failed", "user", req.User, "error", err)
		writeError(w, rpc.ErrRPCFailed)
		return
	}

	logger.Info("User registered", "uid", uid, "user", req.User)
	writeJSON(w, map[string]any{
		"error": rpc.Success,
		"uid":   uid,
		"user":  req.User,
		"email": req.Email,
	})
}

type resetPwdRequest struct {
	User       string `json:"user" validate:"required"`
	Email      string `json:"email" validate:"required,email"`
	Passwd     string `json:"passwd" validate:"required"`
	VarifyCode string `json:"varifycode" validate:"required"`
}

// ResetPwd handles POST /reset_pwd.
func (h *Handlers) ResetPwd(w http.ResponseWriter, r *http.Request) {
	var req resetPwdRequest
	if !h.decode(r, &req) {
		writeError(w, rpc.ErrJSONParse)
		return
	}
	if code := h.checkCode(r.Context(), req.Email, req.VarifyCode); code != rpc.Success {
		writeError(w, code)
		return
	}
	if err := h.store.CheckEmail(r.Context(), req.User, req.Email); err != nil {
		writeError(w, rpc.ErrEmailNotMatch)
		return
	}
	if err := h.store.UpdatePassword(r.Context(), req.Email, req.Passwd); err != nil {
		logger.Error("Password update failed", "user", req.User, "error", err)
		writeError(w, rpc.ErrPasswdUpdate)
		return
	}

	logger.Info("Password reset", "user", req.User)
	writeJSON(w, map[string]any{
		"error": rpc.Success,
		"user":  req.User,
		"email": req.Email,
	})
}

type loginRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Passwd string `json:"passwd" validate:"required"`
}

// Login handles POST /user_login: authenticate, then refer the client to
// the chat server assigned by status.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(r, &req) {
		writeError(w, rpc.ErrJSONParse)
		return
	}

	user, err := h.store.CheckPassword(r.Context(), req.Email, req.Passwd)
	if errors.Is(err, db.ErrInvalidCredentials) {
		writeError(w, rpc.ErrPasswdInvalid)
		return
	}
	if err != nil {
		logger.Error("Login check failed", "email", req.Email, "error", err)
		writeError(w, rpc.ErrRPCFailed)
		return
	}

	placed, err := h.status.GetChatServer(r.Context(), user.UID)
	if err != nil {
		logger.Error("Status service unreachable", "uid", user.UID, "error", err)
		writeError(w, rpc.ErrRPCFailed)
		return
	}
	if placed.Error != rpc.Success {
		writeError(w, placed.Error)
		return
	}

	logger.Info("User login referred", "uid", user.UID, "host", placed.Host, "port", placed.Port)
	writeJSON(w, map[string]any{
		"error": rpc.Success,
		"email": req.Email,
		"uid":   user.UID,
		"token": placed.Token,
		"host":  placed.Host,
		"port":  placed.Port,
	})
}
