package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiver-im/quiver/pkg/cache"
	"github.com/quiver-im/quiver/pkg/db"
	"github.com/quiver-im/quiver/pkg/rpc"
)

type fakeCodes struct {
	codes map[string]string
}

func (f *fakeCodes) GetVerifyCode(_ context.Context, email string) (string, error) {
	code, ok := f.codes[email]
	if !ok {
		return "", cache.ErrNotFound
	}
	return code, nil
}

type fakeVerify struct {
	calls int
	err   error
}

func (f *fakeVerify) GetVerifyCode(_ context.Context, email string) (*rpc.GetVerifyRsp, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &rpc.GetVerifyRsp{Email: email}, nil
}

type fakePlacer struct {
	rsp *rpc.GetChatServerRsp
	err error
}

func (f *fakePlacer) GetChatServer(_ context.Context, uid int64) (*rpc.GetChatServerRsp, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rsp, nil
}

type gateFixture struct {
	router http.Handler
	store  *db.Store
	codes  *fakeCodes
	verify *fakeVerify
	placer *fakePlacer
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()

	store, err := db.Open(db.Config{Driver: db.DriverSQLite, DSN: ":memory:", PoolSize: 1}, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	f := &gateFixture{
		store:  store,
		codes:  &fakeCodes{codes: make(map[string]string)},
		verify: &fakeVerify{},
		placer: &fakePlacer{rsp: &rpc.GetChatServerRsp{Host: "127.0.0.1", Port: "8090", Token: "tok"}},
	}
	f.router = NewRouter(NewHandlers(store, f.codes, f.verify, f.placer))
	return f
}

// post sends a JSON body and decodes the JSON reply.
func (f *gateFixture) post(t *testing.T, path string, body any) map[string]any {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var rsp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rsp))
	return rsp
}

func errorCode(rsp map[string]any) int {
	return int(rsp["error"].(float64))
}

// register drives the full register flow with a valid code.
func (f *gateFixture) register(t *testing.T, user, email, passwd string) map[string]any {
	t.Helper()
	f.codes.codes[email] = "123456"
	return f.post(t, "/user_register", map[string]any{
		"user": user, "email": email,
		"passwd": passwd, "confirm": passwd,
		"varifycode": "123456",
	})
}

func TestGetVerifyCode(t *testing.T) {
	f := newGateFixture(t)

	rsp := f.post(t, "/get_verifycode", map[string]any{"email": "alice@example.com"})
	assert.Equal(t, rpc.Success, errorCode(rsp))
	assert.Equal(t, "alice@example.com", rsp["email"])
	assert.Equal(t, 1, f.verify.calls)

	t.Run("malformed email rejected before the RPC", func(t *testing.T) {
		rsp := f.post(t, "/get_verifycode", map[string]any{"email": "not-an-email"})
		assert.Equal(t, rpc.ErrJSONParse, errorCode(rsp))
		assert.Equal(t, 1, f.verify.calls)
	})

	t.Run("verify service unreachable", func(t *testing.T) {
		f.verify.err = errors.New("dial refused")
		rsp := f.post(t, "/get_verifycode", map[string]any{"email": "alice@example.com"})
		assert.Equal(t, rpc.ErrRPCFailed, errorCode(rsp))
	})
}

func TestRegister(t *testing.T) {
	f := newGateFixture(t)

	rsp := f.register(t, "alice", "alice@example.com", "s3cret")
	assert.Equal(t, rpc.Success, errorCode(rsp))
	assert.Equal(t, "alice", rsp["user"])
	assert.Greater(t, rsp["uid"].(float64), float64(0))

	t.Run("duplicate user", func(t *testing.T) {
		rsp := f.register(t, "alice", "alice@example.com", "s3cret")
		assert.Equal(t, rpc.ErrUserExist, errorCode(rsp))
	})

	t.Run("password confirm mismatch", func(t *testing.T) {
		rsp := f.post(t, "/user_register", map[string]any{
			"user": "bob", "email": "bob@example.com",
			"passwd": "one", "confirm": "two",
			"varifycode": "123456",
		})
		assert.Equal(t, rpc.ErrPasswd, errorCode(rsp))
	})

	t.Run("expired code", func(t *testing.T) {
		rsp := f.post(t, "/user_register", map[string]any{
			"user": "bob", "email": "bob@example.com",
			"passwd": "pw", "confirm": "pw",
			"varifycode": "123456",
		})
		assert.Equal(t, rpc.ErrVerifyExpired, errorCode(rsp))
	})

	t.Run("wrong code", func(t *testing.T) {
		f.codes.codes["bob@example.com"] = "654321"
		rsp := f.post(t, "/user_register", map[string]any{
			"user": "bob", "email": "bob@example.com",
			"passwd": "pw", "confirm": "pw",
			"varifycode": "123456",
		})
		assert.Equal(t, rpc.ErrVerifyCode, errorCode(rsp))
	})
}

func TestResetPwd(t *testing.T) {
	f := newGateFixture(t)
	f.register(t, "alice", "alice@example.com", "old-pass")

	t.Run("happy path", func(t *testing.T) {
		rsp := f.post(t, "/reset_pwd", map[string]any{
			"user": "alice", "email": "alice@example.com",
			"passwd": "new-pass", "varifycode": "123456",
		})
		assert.Equal(t, rpc.Success, errorCode(rsp))

		_, err := f.store.CheckPassword(context.Background(), "alice@example.com", "new-pass")
		assert.NoError(t, err)
	})

	t.Run("email does not match user", func(t *testing.T) {
		f.codes.codes["other@example.com"] = "123456"
		rsp := f.post(t, "/reset_pwd", map[string]any{
			"user": "alice", "email": "other@example.com",
			"passwd": "x", "varifycode": "123456",
		})
		assert.Equal(t, rpc.ErrEmailNotMatch, errorCode(rsp))
	})
}

func TestLogin(t *testing.T) {
	f := newGateFixture(t)
	reg := f.register(t, "alice", "alice@example.com", "s3cret")
	uid := reg["uid"].(float64)

	t.Run("happy path carries the referral", func(t *testing.T) {
		rsp := f.post(t, "/user_login", map[string]any{
			"email": "alice@example.com", "passwd": "s3cret",
		})
		assert.Equal(t, rpc.Success, errorCode(rsp))
		assert.Equal(t, uid, rsp["uid"])
		assert.Equal(t, "tok", rsp["token"])
		assert.Equal(t, "127.0.0.1", rsp["host"])
		assert.Equal(t, "8090", rsp["port"])
	})

	t.Run("wrong password", func(t *testing.T) {
		rsp := f.post(t, "/user_login", map[string]any{
			"email": "alice@example.com", "passwd": "wrong",
		})
		assert.Equal(t, rpc.ErrPasswdInvalid, errorCode(rsp))
	})

	t.Run("unknown account", func(t *testing.T) {
		rsp := f.post(t, "/user_login", map[string]any{
			"email": "ghost@example.com", "passwd": "x",
		})
		assert.Equal(t, rpc.ErrPasswdInvalid, errorCode(rsp))
	})

	t.Run("status error code passes through", func(t *testing.T) {
		f.placer.rsp = &rpc.GetChatServerRsp{Error: rpc.ErrUidInvalid}
		rsp := f.post(t, "/user_login", map[string]any{
			"email": "alice@example.com", "passwd": "s3cret",
		})
		assert.Equal(t, rpc.ErrUidInvalid, errorCode(rsp))
	})

	t.Run("status unreachable", func(t *testing.T) {
		f.placer.err = errors.New("dial refused")
		rsp := f.post(t, "/user_login", map[string]any{
			"email": "alice@example.com", "passwd": "s3cret",
		})
		assert.Equal(t, rpc.ErrRPCFailed, errorCode(rsp))
	})
}
