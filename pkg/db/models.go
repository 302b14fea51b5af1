package db

import (
	"errors"
	"time"
)

// Domain errors surfaced by the data-access layer. Handlers map these onto
// wire error codes; nothing here knows about HTTP or frame ids.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUser      = errors.New("user or email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrEmailMismatch      = errors.New("email does not match user")
	ErrApplyExists        = errors.New("friend apply already pending")
	ErrApplyLimit         = errors.New("too many pending friend applies")
	ErrApplyNotFound      = errors.New("friend apply not found")
)

// Apply status values.
const (
	ApplyPending  = 0
	ApplyAccepted = 1
	ApplyRejected = 2
)

// User is the persistent user record. UID and Name are each independently
// unique.
type User struct {
	UID          int64     `gorm:"primaryKey;autoIncrement"`
	Name         string    `gorm:"uniqueIndex;size:64;not null"`
	Email        string    `gorm:"uniqueIndex;size:128;not null"`
	PasswordHash string    `gorm:"size:128;not null"`
	Nickname     string    `gorm:"size:64"`
	Desc         string    `gorm:"size:256"`
	Sex          int       `gorm:""`
	Icon         string    `gorm:"size:256"`
	CreatedAt    time.Time `gorm:""`
}

// FriendApply is a pending friend request. At most one Pending row may
// exist per unordered uid pair; AddFriendApply enforces this.
type FriendApply struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	FromUID   int64     `gorm:"index:idx_apply_pair;not null"`
	ToUID     int64     `gorm:"index:idx_apply_pair;index;not null"`
	Status    int       `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:""`
}

// Friend is one direction of an accepted friendship; ConfirmFriendApply
// writes both directions in one transaction.
type Friend struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	SelfUID   int64     `gorm:"uniqueIndex:idx_friend_pair;not null"`
	FriendUID int64     `gorm:"uniqueIndex:idx_friend_pair;not null"`
	BackName  string    `gorm:"size:64"`
	CreatedAt time.Time `gorm:""`
}

// OfflineMessage is a text message stored for an unreachable addressee,
// delivered at their next login.
type OfflineMessage struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	ToUID     int64     `gorm:"index;not null"`
	FromUID   int64     `gorm:"not null"`
	Body      string    `gorm:"type:text"`
	Delivered bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:""`
}

// ApplyEntry is a friend apply joined with the sender's public profile, as
// returned to clients.
type ApplyEntry struct {
	FromUID  int64
	ToUID    int64
	Status   int
	Name     string
	Nickname string
	Sex      int
	Icon     string
}

// allModels lists every model for AutoMigrate.
func allModels() []any {
	return []any{&User{}, &FriendApply{}, &Friend{}, &OfflineMessage{}}
}
