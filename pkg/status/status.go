// Package status implements the placement service: it assigns each login
// to the least-loaded chat server and issues the session token the chat
// server later verifies.
package status

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quiver-im/quiver/internal/logger"
	"github.com/quiver-im/quiver/pkg/config"
	"github.com/quiver-im/quiver/pkg/rpc"
)

// SessionStore is the slice of the session cache the status service needs.
// *cache.Cache satisfies it.
type SessionStore interface {
	SetUserToken(ctx context.Context, uid int64, token string, ttl time.Duration) error
	GetUserToken(ctx context.Context, uid int64) (string, error)
	GetLoginCount(ctx context.Context, server string) (int64, error)
}

// Service implements rpc.StatusServiceServer.
type Service struct {
	store   SessionStore
	servers map[string]config.ServerConfig
	secret  []byte
	ttl     time.Duration
}

// NewService builds the placement service over the configured chat server
// table.
func NewService(store SessionStore, servers map[string]config.ServerConfig, cfg config.StatusConfig) *Service {
	return &Service{
		store:   store,
		servers: servers,
		secret:  []byte(cfg.TokenSecret),
		ttl:     cfg.TokenTTL,
	}
}

// tokenClaims is the JWT payload bound to one login.
type tokenClaims struct {
	jwt.RegisteredClaims
}

// issueToken signs a fresh HS256 token for uid. The jti makes every login
// distinct so an old token cannot shadow a new one.
func (s *Service) issueToken(uid int64, now time.Time) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(uid, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// pickServer returns the chat server with the fewest live sessions.
// Missing counts read as zero; ties break on name so placement is stable.
func (s *Service) pickServer(ctx context.Context) (config.ServerConfig, error) {
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		best      config.ServerConfig
		bestCount int64 = -1
	)
	for _, name := range names {
		count, err := s.store.GetLoginCount(ctx, name)
		if err != nil {
			return config.ServerConfig{}, fmt.Errorf("failed to read login count for %s: %w", name, err)
		}
		if bestCount < 0 || count < bestCount {
			best, bestCount = s.servers[name], count
		}
	}
	if bestCount < 0 {
		return config.ServerConfig{}, fmt.Errorf("no chat servers configured")
	}
	return best, nil
}

// GetChatServer places uid on the least-loaded chat server and hands back
// its endpoint with a fresh token. The token is recorded in the session
// cache so the chat server can cross-check it at login.
func (s *Service) GetChatServer(ctx context.Context, req *rpc.GetChatServerReq) (*rpc.GetChatServerRsp, error) {
	if req.Uid <= 0 {
		return &rpc.GetChatServerRsp{Error: rpc.ErrUidInvalid}, nil
	}

	server, err := s.pickServer(ctx)
	if err != nil {
		logger.Error("Placement failed", "uid", req.Uid, "error", err)
		return &rpc.GetChatServerRsp{Error: rpc.ErrRPCFailed}, nil
	}

	token, err := s.issueToken(req.Uid, time.Now())
	if err != nil {
		logger.Error("Token signing failed", "uid", req.Uid, "error", err)
		return &rpc.GetChatServerRsp{Error: rpc.ErrRPCFailed}, nil
	}
	if err := s.store.SetUserToken(ctx, req.Uid, token, s.ttl); err != nil {
		logger.Error("Token store failed", "uid", req.Uid, "error", err)
		return &rpc.GetChatServerRsp{Error: rpc.ErrRPCFailed}, nil
	}

	logger.Debug("Placed user", "uid", req.Uid, "server", server.Name)
	return &rpc.GetChatServerRsp{
		Host:  server.Host,
		Port:  strconv.Itoa(server.Port),
		Token: token,
	}, nil
}

// Login verifies uid's token: the signature and expiry first, then the
// uid claim, then the match against the last token issued for uid. A token
// from a superseded login fails the last check.
func (s *Service) Login(ctx context.Context, req *rpc.LoginReq) (*rpc.LoginRsp, error) {
	parsed, err := jwt.ParseWithClaims(req.Token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return &rpc.LoginRsp{Error: rpc.ErrTokenInvalid, Uid: req.Uid}, nil
	}

	claims := parsed.Claims.(*tokenClaims)
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid != req.Uid {
		return &rpc.LoginRsp{Error: rpc.ErrUidInvalid, Uid: req.Uid}, nil
	}

	current, err := s.store.GetUserToken(ctx, req.Uid)
	if err != nil || current != req.Token {
		return &rpc.LoginRsp{Error: rpc.ErrTokenInvalid, Uid: req.Uid}, nil
	}

	return &rpc.LoginRsp{Uid: req.Uid, Token: req.Token}, nil
}
