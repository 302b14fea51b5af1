package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/chat/proto"
	"github.com/quiver-im/quiver/pkg/db"
	"github.com/quiver-im/quiver/pkg/rpc"
)

// OfflineMessages policy values.
const (
	OfflineStore = "store"
	OfflineDrop  = "drop"
)

// Store is the slice of the data layer the chat handlers need. *db.Store
// satisfies it.
type Store interface {
	GetUserByUID(ctx context.Context, uid int64) (*db.User, error)
	GetUserByName(ctx context.Context, name string) (*db.User, error)
	AddFriendApply(ctx context.Context, from, to int64, maxPending int) error
	GetApplyList(ctx context.Context, to int64, offset, limit int) ([]*db.ApplyEntry, error)
	ConfirmFriendApply(ctx context.Context, from, to int64, backName string) error
	GetFriendList(ctx context.Context, self int64) ([]*db.User, error)
	SaveOfflineMessage(ctx context.Context, from, to int64, body string) error
	TakeOfflineMessages(ctx context.Context, to int64) ([]*db.OfflineMessage, error)
}

// ProfileCache caches public profiles. *cache.Cache satisfies it.
type ProfileCache interface {
	GetProfile(ctx context.Context, uid int64) (*cache.Profile, error)
	SetProfile(ctx context.Context, p *cache.Profile) error
}

// TokenVerifier checks a login token with the status service.
// *rpc.StatusClient satisfies it.
type TokenVerifier interface {
	Login(ctx context.Context, uid int64, token string) (*rpc.LoginRsp, error)
}

// PeerNotifier forwards events to the named peer chat server.
type PeerNotifier interface {
	NotifyAddFriend(ctx context.Context, server string, req *rpc.AddFriendReq) error
	NotifyAuthFriend(ctx context.Context, server string, req *rpc.AuthFriendReq) error
	NotifyTextChatMsg(ctx context.Context, server string, req *rpc.TextChatMsgReq) (delivered bool, err error)
	NotifyKickUser(ctx context.Context, server string, req *rpc.KickUserReq) error
}

// Wire bodies. All frame payloads are JSON.

type loginReqBody struct {
	Uid   int64  `json:"uid"`
	Token string `json:"token"`
}

type userInfoBody struct {
	Uid  int64  `json:"uid"`
	Name string `json:"name"`
	Nick string `json:"nick"`
	Desc string `json:"desc"`
	Sex  int    `json:"sex"`
	Icon string `json:"icon"`
}

type applyInfoBody struct {
	Uid    int64  `json:"uid"`
	Name   string `json:"name"`
	Nick   string `json:"nick"`
	Sex    int    `json:"sex"`
	Icon   string `json:"icon"`
	Status int    `json:"status"`
}

type loginRspBody struct {
	Error   int             `json:"error"`
	Uid     int64           `json:"uid"`
	Name    string          `json:"name"`
	Nick    string          `json:"nick"`
	Desc    string          `json:"desc"`
	Sex     int             `json:"sex"`
	Icon    string          `json:"icon"`
	Friends []userInfoBody  `json:"friends"`
	Applies []applyInfoBody `json:"applies"`
}

type searchReqBody struct {
	// Uid carries what the user typed: a uid in digits, or a name.
	Uid string `json:"uid"`
}

type searchRspBody struct {
	Error int    `json:"error"`
	Uid   int64  `json:"uid"`
	Name  string `json:"name"`
	Nick  string `json:"nick"`
	Desc  string `json:"desc"`
	Sex   int    `json:"sex"`
	Icon  string `json:"icon"`
}

type addFriendReqBody struct {
	ToUid     int64  `json:"touid"`
	ApplyName string `json:"applyname"`
	BakName   string `json:"bakname"`
}

type errorRspBody struct {
	Error int `json:"error"`
}

type notifyAddFriendBody struct {
	ApplyUid int64  `json:"applyuid"`
	Name     string `json:"name"`
	Nick     string `json:"nick"`
	Desc     string `json:"desc"`
	Sex      int    `json:"sex"`
	Icon     string `json:"icon"`
}

type authFriendReqBody struct {
	ToUid int64  `json:"touid"`
	Back  string `json:"back"`
}

type authFriendRspBody struct {
	Error int    `json:"error"`
	Uid   int64  `json:"uid"`
	Name  string `json:"name"`
	Nick  string `json:"nick"`
	Sex   int    `json:"sex"`
	Icon  string `json:"icon"`
}

type notifyAuthFriendBody struct {
	FromUid int64  `json:"fromuid"`
	Name    string `json:"name"`
	Nick    string `json:"nick"`
	Sex     int    `json:"sex"`
	Icon    string `json:"icon"`
}

type textMsgBody struct {
	MsgID   string `json:"msgid"`
	Content string `json:"msgcontent"`
}

type textChatBody struct {
	Error   int           `json:"error,omitempty"`
	FromUid int64         `json:"fromuid"`
	ToUid   int64         `json:"touid"`
	Msgs    []textMsgBody `json:"textmsgs"`
}

type notifyOfflineBody struct {
	Uid int64 `json:"uid"`
}

// Handlers implements the chat message handlers. Everything runs on the
// dispatcher goroutine.
type Handlers struct {
	server   *Server
	store    Store
	profiles ProfileCache
	router   Router
	verifier TokenVerifier
	peers    PeerNotifier

	offlinePolicy string
	applyCap      int
}

// NewHandlers wires the handler set.
func NewHandlers(server *Server, store Store, profiles ProfileCache, router Router, verifier TokenVerifier, peers PeerNotifier, offlinePolicy string, applyCap int) *Handlers {
	if offlinePolicy == "" {
		offlinePolicy = OfflineStore
	}
	return &Handlers{
		server:        server,
		store:         store,
		profiles:      profiles,
		router:        router,
		verifier:      verifier,
		peers:         peers,
		offlinePolicy: offlinePolicy,
		applyCap:      applyCap,
	}
}

// RegisterAll binds every handler to its message id.
func (h *Handlers) RegisterAll(d *Dispatcher) {
	d.Register(proto.IDLoginReq, h.handleLogin)
	d.Register(proto.IDSearchUserReq, h.handleSearchUser)
	d.Register(proto.IDAddFriendReq, h.handleAddFriend)
	d.Register(proto.IDAuthFriendReq, h.handleAuthFriend)
	d.Register(proto.IDTextChatMsgReq, h.handleTextChat)
	d.Register(proto.IDHeartBeatReq, h.handleHeartBeat)
}

// reply marshals body and queues it on the session.
func reply(sess *Session, id uint16, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		logger.Error("Failed to encode reply", "msg_id", id, "error", err)
		return
	}
	sess.Send(id, raw)
}

// profile returns uid's public profile, cache first, refilling the cache
// on a database hit.
func (h *Handlers) profile(ctx context.Context, uid int64) (*cache.Profile, error) {
	if p, err := h.profiles.GetProfile(ctx, uid); err == nil {
		return p, nil
	}

	user, err := h.store.GetUserByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	p := &cache.Profile{
		UID:      user.UID,
		Name:     user.Name,
		Email:    user.Email,
		Nickname: user.Nickname,
		Desc:     user.Desc,
		Sex:      user.Sex,
		Icon:     user.Icon,
	}
	if err := h.profiles.SetProfile(ctx, p); err != nil {
		logger.Warn("Failed to cache profile", "uid", uid, "error", err)
	}
	return p, nil
}

// handleLogin authenticates the session: the token is checked with the
// status service, the uid is bound (kicking any previous session), and
// the reply carries the profile, the friend list, and pending applies.
// Stored offline messages are replayed right after the reply.
func (h *Handlers) handleLogin(ctx context.Context, sess *Session, frame proto.Frame) {
	var req loginReqBody
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		reply(sess, proto.IDLoginRsp, errorRspBody{Error: rpc.ErrJSONParse})
		return
	}

	verdict, err := h.verifier.Login(ctx, req.Uid, req.Token)
	if err != nil {
		logger.Error("Status service unreachable during login", "uid", req.Uid, "error", err)
		reply(sess, proto.IDLoginRsp, errorRspBody{Error: rpc.ErrRPCFailed})
		return
	}
	if verdict.Error != rpc.Success {
		reply(sess, proto.IDLoginRsp, errorRspBody{Error: verdict.Error})
		return
	}

	// Load the profile before binding: a login that cannot be served must
	// leave the session unbound and uncounted.
	p, err := h.profile(ctx, req.Uid)
	if err != nil {
		logger.Error("Failed to load profile at login", "uid", req.Uid, "error", err)
		reply(sess, proto.IDLoginRsp, errorRspBody{Error: rpc.ErrUidInvalid})
		return
	}

	// A session elsewhere in the cluster holds this uid: have its server
	// drop it before taking over.
	if owner, err := h.router.GetUserServer(ctx, req.Uid); err == nil && owner != h.server.Name() {
		if err := h.peers.NotifyKickUser(ctx, owner, &rpc.KickUserReq{Uid: req.Uid}); err != nil {
			logger.Warn("Failed to kick remote session", "uid", req.Uid, "server", owner, "error", err)
		}
	}

	if prev := h.server.bindUser(ctx, req.Uid, sess); prev != nil {
		kickSession(prev, req.Uid)
	}

	rsp := loginRspBody{
		Uid:  p.UID,
		Name: p.Name,
		Nick: p.Nickname,
		Desc: p.Desc,
		Sex:  p.Sex,
		Icon: p.Icon,
	}

	friends, err := h.store.GetFriendList(ctx, req.Uid)
	if err != nil {
		logger.Error("Failed to load friend list", "uid", req.Uid, "error", err)
	}
	for _, f := range friends {
		rsp.Friends = append(rsp.Friends, userInfoBody{
			Uid: f.UID, Name: f.Name, Nick: f.Nickname, Desc: f.Desc, Sex: f.Sex, Icon: f.Icon,
		})
	}

	applies, err := h.store.GetApplyList(ctx, req.Uid, 0, 50)
	if err != nil {
		logger.Error("Failed to load apply list", "uid", req.Uid, "error", err)
	}
	for _, a := range applies {
		rsp.Applies = append(rsp.Applies, applyInfoBody{
			Uid: a.FromUID, Name: a.Name, Nick: a.Nickname, Sex: a.Sex, Icon: a.Icon, Status: a.Status,
		})
	}

	reply(sess, proto.IDLoginRsp, rsp)
	logger.Info("User logged in", "uid", req.Uid, "session", sess.ID())

	h.replayOfflineMessages(ctx, sess, req.Uid)
}

// replayOfflineMessages delivers messages stored while uid was offline,
// one notify frame per message, in arrival order.
func (h *Handlers) replayOfflineMessages(ctx context.Context, sess *Session, uid int64) {
	if h.offlinePolicy != OfflineStore {
		return
	}
	msgs, err := h.store.TakeOfflineMessages(ctx, uid)
	if err != nil {
		logger.Error("Failed to load offline messages", "uid", uid, "error", err)
		return
	}
	for _, m := range msgs {
		reply(sess, proto.IDNotifyTextChatMsg, textChatBody{
			FromUid: m.FromUID,
			ToUid:   m.ToUID,
			Msgs:    []textMsgBody{{Content: m.Body}},
		})
	}
	if len(msgs) > 0 {
		logger.Info("Replayed offline messages", "uid", uid, "count", len(msgs))
	}
}

// kickSession tells the displaced session it logged in elsewhere, then
// closes it once the send queue drains, so the notify and anything queued
// ahead of it still reach the wire.
func kickSession(prev *Session, uid int64) {
	raw, _ := json.Marshal(notifyOfflineBody{Uid: uid})
	prev.Send(proto.IDNotifyOffline, raw)
	prev.CloseAfterDrain(CloseKick)
}

// handleSearchUser resolves the query by uid when it is all digits, by
// exact name otherwise.
func (h *Handlers) handleSearchUser(ctx context.Context, sess *Session, frame proto.Frame) {
	var req searchReqBody
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		reply(sess, proto.IDSearchUserRsp, errorRspBody{Error: rpc.ErrJSONParse})
		return
	}

	var (
		p   *cache.Profile
		err error
	)
	if uid, convErr := strconv.ParseInt(req.Uid, 10, 64); convErr == nil {
		p, err = h.profile(ctx, uid)
	} else {
		var user *db.User
		user, err = h.store.GetUserByName(ctx, req.Uid)
		if err == nil {
			p, err = h.profile(ctx, user.UID)
		}
	}
	if err != nil {
		reply(sess, proto.IDSearchUserRsp, errorRspBody{Error: rpc.ErrUidInvalid})
		return
	}

	reply(sess, proto.IDSearchUserRsp, searchRspBody{
		Uid: p.UID, Name: p.Name, Nick: p.Nickname, Desc: p.Desc, Sex: p.Sex, Icon: p.Icon,
	})
}

// handleAddFriend persists the apply and pushes a notify to the target,
// locally or through the peer owning the target's session. A target with
// no session anywhere sees the apply in their list at next login.
func (h *Handlers) handleAddFriend(ctx context.Context, sess *Session, frame proto.Frame) {
	from := sess.UID()
	if from == 0 {
		reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.ErrUidInvalid})
		return
	}

	var req addFriendReqBody
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.ErrJSONParse})
		return
	}

	switch err := h.store.AddFriendApply(ctx, from, req.ToUid, h.applyCap); {
	case err == nil:
	case errors.Is(err, db.ErrApplyExists):
		// Already pending: the target was notified the first time.
		reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.Success})
		return
	case errors.Is(err, db.ErrApplyLimit):
		logger.Warn("Apply cap reached", "uid", from, "cap", h.applyCap)
		reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.ErrRPCFailed})
		return
	default:
		logger.Error("Failed to persist friend apply", "from", from, "to", req.ToUid, "error", err)
		reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.ErrRPCFailed})
		return
	}

	applicant, err := h.profile(ctx, from)
	if err != nil {
		logger.Error("Failed to load applicant profile", "uid", from, "error", err)
		reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.ErrRPCFailed})
		return
	}

	if target, ok := h.server.Users().Get(req.ToUid); ok {
		reply(target, proto.IDNotifyAddFriendReq, notifyAddFriendBody{
			ApplyUid: from,
			Name:     applicant.Name,
			Nick:     applicant.Nickname,
			Desc:     applicant.Desc,
			Sex:      applicant.Sex,
			Icon:     applicant.Icon,
		})
	} else if owner, err := h.router.GetUserServer(ctx, req.ToUid); err == nil && owner != h.server.Name() {
		peerReq := &rpc.AddFriendReq{
			ApplyUid: from,
			ToUid:    req.ToUid,
			Name:     applicant.Name,
			Nick:     applicant.Nickname,
			Desc:     applicant.Desc,
			Sex:      applicant.Sex,
			Icon:     applicant.Icon,
		}
		if err := h.peers.NotifyAddFriend(ctx, owner, peerReq); err != nil {
			logger.Warn("Peer apply notify failed", "server", owner, "to", req.ToUid, "error", err)
		}
	}

	reply(sess, proto.IDAddFriendRsp, errorRspBody{Error: rpc.Success})
}

// handleAuthFriend accepts a pending apply from req.ToUid, persists the
// friendship, and notifies the applicant.
func (h *Handlers) handleAuthFriend(ctx context.Context, sess *Session, frame proto.Frame) {
	self := sess.UID()
	if self == 0 {
		reply(sess, proto.IDAuthFriendRsp, errorRspBody{Error: rpc.ErrUidInvalid})
		return
	}

	var req authFriendReqBody
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		reply(sess, proto.IDAuthFriendRsp, errorRspBody{Error: rpc.ErrJSONParse})
		return
	}

	switch err := h.store.ConfirmFriendApply(ctx, req.ToUid, self, req.Back); {
	case err == nil:
	case errors.Is(err, db.ErrApplyNotFound):
		reply(sess, proto.IDAuthFriendRsp, errorRspBody{Error: rpc.ErrUidInvalid})
		return
	default:
		logger.Error("Failed to confirm friend apply", "from", req.ToUid, "to", self, "error", err)
		reply(sess, proto.IDAuthFriendRsp, errorRspBody{Error: rpc.ErrRPCFailed})
		return
	}

	applicant, err := h.profile(ctx, req.ToUid)
	if err != nil {
		logger.Error("Failed to load applicant profile", "uid", req.ToUid, "error", err)
		reply(sess, proto.IDAuthFriendRsp, errorRspBody{Error: rpc.ErrRPCFailed})
		return
	}
	reply(sess, proto.IDAuthFriendRsp, authFriendRspBody{
		Uid: applicant.UID, Name: applicant.Name, Nick: applicant.Nickname,
		Sex: applicant.Sex, Icon: applicant.Icon,
	})

	accepter, err := h.profile(ctx, self)
	if err != nil {
		logger.Error("Failed to load accepter profile", "uid", self, "error", err)
		return
	}
	notify := notifyAuthFriendBody{
		FromUid: self,
		Name:    accepter.Name,
		Nick:    accepter.Nickname,
		Sex:     accepter.Sex,
		Icon:    accepter.Icon,
	}

	if target, ok := h.server.Users().Get(req.ToUid); ok {
		reply(target, proto.IDNotifyAuthFriendReq, notify)
	} else if owner, err := h.router.GetUserServer(ctx, req.ToUid); err == nil && owner != h.server.Name() {
		peerReq := &rpc.AuthFriendReq{
			FromUid: self, ToUid: req.ToUid,
			Name: accepter.Name, Nick: accepter.Nickname,
			Sex: accepter.Sex, Icon: accepter.Icon,
		}
		if err := h.peers.NotifyAuthFriend(ctx, owner, peerReq); err != nil {
			logger.Warn("Peer auth notify failed", "server", owner, "to", req.ToUid, "error", err)
		}
	}
}

// handleTextChat routes a text batch: push to the local session if the
// addressee is here, forward to the owning peer if elsewhere, otherwise
// apply the offline policy.
func (h *Handlers) handleTextChat(ctx context.Context, sess *Session, frame proto.Frame) {
	from := sess.UID()
	if from == 0 {
		reply(sess, proto.IDTextChatMsgRsp, errorRspBody{Error: rpc.ErrUidInvalid})
		return
	}

	var req textChatBody
	if err := json.Unmarshal(frame.Body, &req); err != nil {
		reply(sess, proto.IDTextChatMsgRsp, errorRspBody{Error: rpc.ErrJSONParse})
		return
	}
	req.FromUid = from

	delivered := false
	if target, ok := h.server.Users().Get(req.ToUid); ok {
		reply(target, proto.IDNotifyTextChatMsg, textChatBody{
			FromUid: from, ToUid: req.ToUid, Msgs: req.Msgs,
		})
		delivered = true
	} else if owner, err := h.router.GetUserServer(ctx, req.ToUid); err == nil && owner != h.server.Name() {
		peerMsgs := make([]rpc.TextMsg, len(req.Msgs))
		for i, m := range req.Msgs {
			peerMsgs[i] = rpc.TextMsg{MsgID: m.MsgID, Content: m.Content}
		}
		ok, err := h.peers.NotifyTextChatMsg(ctx, owner, &rpc.TextChatMsgReq{
			FromUid: from, ToUid: req.ToUid, Msgs: peerMsgs,
		})
		if err != nil {
			logger.Warn("Peer chat forward failed", "server", owner, "to", req.ToUid, "error", err)
		}
		delivered = ok && err == nil
	}

	if !delivered {
		h.storeOffline(ctx, from, req.ToUid, req.Msgs)
	}

	reply(sess, proto.IDTextChatMsgRsp, textChatBody{
		FromUid: from, ToUid: req.ToUid, Msgs: req.Msgs,
	})
}

// storeOffline persists an undeliverable batch when the policy says so.
func (h *Handlers) storeOffline(ctx context.Context, from, to int64, msgs []textMsgBody) {
	if h.offlinePolicy != OfflineStore {
		return
	}
	for _, m := range msgs {
		if err := h.store.SaveOfflineMessage(ctx, from, to, m.Content); err != nil {
			logger.Error("Failed to store offline message", "from", from, "to", to, "error", err)
			return
		}
	}
}

// handleHeartBeat acknowledges a keepalive. The idle clock was already
// refreshed when the frame arrived.
func (h *Handlers) handleHeartBeat(_ context.Context, sess *Session, _ proto.Frame) {
	reply(sess, proto.IDHeartBeatRsp, errorRspBody{Error: rpc.Success})
}
