package rpc

// Service-level error codes, shared by the gate HTTP responses, the RPC
// replies, and the chat wire frames.
const (
	Success          = 0
	ErrJSONParse     = 1001
	ErrRPCFailed     = 1002
	ErrVerifyExpired = 1003
	ErrVerifyCode    = 1004
	ErrUserExist     = 1005
	ErrPasswd        = 1006
	ErrEmailNotMatch = 1007
	ErrPasswdUpdate  = 1008
	ErrPasswdInvalid = 1009
	ErrTokenInvalid  = 1010
	ErrUidInvalid    = 1011
)

// GetVerifyReq asks the verify service to mail a code to email.
type GetVerifyReq struct {
	Email string `json:"email"`
}

// GetVerifyRsp echoes the email and, in test deployments, the code.
type GetVerifyRsp struct {
	Error int    `json:"error"`
	Email string `json:"email"`
	Code  string `json:"code,omitempty"`
}

// GetChatServerReq asks status for a chat server placement for uid.
type GetChatServerReq struct {
	Uid int64 `json:"uid"`
}

// GetChatServerRsp carries the assigned server endpoint and a one-login
// token.
type GetChatServerRsp struct {
	Error int    `json:"error"`
	Host  string `json:"host"`
	Port  string `json:"port"`
	Token string `json:"token"`
}

// LoginReq is the chat server asking status to validate a login token.
type LoginReq struct {
	Uid   int64  `json:"uid"`
	Token string `json:"token"`
}

// LoginRsp reports Success, ErrTokenInvalid, or ErrUidInvalid.
type LoginRsp struct {
	Error int    `json:"error"`
	Uid   int64  `json:"uid"`
	Token string `json:"token"`
}

// AddFriendReq forwards a friend apply to the peer owning ToUid. The
// sender's profile rides along so the peer can push it without a DB read.
type AddFriendReq struct {
	ApplyUid int64  `json:"applyuid"`
	ToUid    int64  `json:"touid"`
	Name     string `json:"name"`
	Nick     string `json:"nick"`
	Desc     string `json:"desc"`
	Sex      int    `json:"sex"`
	Icon     string `json:"icon"`
}

// AddFriendRsp acknowledges a forwarded apply.
type AddFriendRsp struct {
	Error    int   `json:"error"`
	ApplyUid int64 `json:"applyuid"`
	ToUid    int64 `json:"touid"`
}

// AuthFriendReq forwards an accepted apply back to the requester's server.
type AuthFriendReq struct {
	FromUid int64  `json:"fromuid"`
	ToUid   int64  `json:"touid"`
	Name    string `json:"name"`
	Nick    string `json:"nick"`
	Icon    string `json:"icon"`
	Sex     int    `json:"sex"`
}

// AuthFriendRsp acknowledges a forwarded acceptance.
type AuthFriendRsp struct {
	Error   int   `json:"error"`
	FromUid int64 `json:"fromuid"`
	ToUid   int64 `json:"touid"`
}

// TextMsg is one chat message inside a TextChatMsgReq batch.
type TextMsg struct {
	MsgID   string `json:"msgid"`
	Content string `json:"msgcontent"`
}

// TextChatMsgReq forwards text messages to the peer owning ToUid.
type TextChatMsgReq struct {
	FromUid int64     `json:"fromuid"`
	ToUid   int64     `json:"touid"`
	Msgs    []TextMsg `json:"textmsgs"`
}

// TextChatMsgRsp acknowledges a forwarded batch. Delivered reports whether
// the addressee was online on the peer; the sender's server falls back to
// the offline store when it is false.
type TextChatMsgRsp struct {
	Error     int       `json:"error"`
	FromUid   int64     `json:"fromuid"`
	ToUid     int64     `json:"touid"`
	Msgs      []TextMsg `json:"textmsgs"`
	Delivered bool      `json:"delivered"`
}

// KickUserReq tells a peer to drop uid's session because the user logged
// in elsewhere.
type KickUserReq struct {
	Uid int64 `json:"uid"`
}

// KickUserRsp acknowledges a kick.
type KickUserRsp struct {
	Error int   `json:"error"`
	Uid   int64 `json:"uid"`
}
