package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// withHandle acquires a pooled handle, runs fn, and releases the handle on
// every exit path. The handle's lastOper timestamp is refreshed after a
// successful operation so the keeper skips it on the next sweep.
func (s *Store) withHandle(ctx context.Context, fn func(*gorm.DB) error) error {
	h, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Release(h)

	if err := fn(h.db.WithContext(ctx)); err != nil {
		return err
	}
	h.touch()
	return nil
}

// isUniqueConstraintError checks if the error is a unique constraint
// violation (MySQL 1062 or SQLite).
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the given domain
// error.
func convertNotFoundError(err, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}

// RegisterUser creates a user with a bcrypt password hash and returns the
// assigned uid. Name and email must each be unused.
func (s *Store) RegisterUser(ctx context.Context, name, email, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Nickname:     name,
		CreatedAt:    time.Now(),
	}

	err = s.withHandle(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			if isUniqueConstraintError(err) {
				return ErrDuplicateUser
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return user.UID, nil
}

// CheckEmail verifies that the named user's registered email matches.
func (s *Store) CheckEmail(ctx context.Context, name, email string) error {
	return s.withHandle(ctx, func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("name = ?", name).First(&user).Error; err != nil {
			return convertNotFoundError(err, ErrUserNotFound)
		}
		if user.Email != email {
			return ErrEmailMismatch
		}
		return nil
	})
}

// UpdatePassword rehashes and stores a new password for the account bound
// to email.
func (s *Store) UpdatePassword(ctx context.Context, email, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	return s.withHandle(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&User{}).Where("email = ?", email).Update("password_hash", string(hash))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

// CheckPassword validates email+password and returns the user on success.
func (s *Store) CheckPassword(ctx context.Context, email, password string) (*User, error) {
	var user User
	err := s.withHandle(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("email = ?", email).First(&user).Error; err != nil {
			return convertNotFoundError(err, ErrInvalidCredentials)
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			return ErrInvalidCredentials
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByUID loads a user by uid.
func (s *Store) GetUserByUID(ctx context.Context, uid int64) (*User, error) {
	var user User
	err := s.withHandle(ctx, func(tx *gorm.DB) error {
		return convertNotFoundError(tx.Where("uid = ?", uid).First(&user).Error, ErrUserNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByName loads a user by unique name.
func (s *Store) GetUserByName(ctx context.Context, name string) (*User, error) {
	var user User
	err := s.withHandle(ctx, func(tx *gorm.DB) error {
		return convertNotFoundError(tx.Where("name = ?", name).First(&user).Error, ErrUserNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AddFriendApply persists a pending apply from→to.
//
// Invariants enforced here: at most one Pending row per unordered pair, and
// at most maxPending outstanding applies per sender (0 means unlimited).
func (s *Store) AddFriendApply(ctx context.Context, from, to int64, maxPending int) error {
	return s.withHandle(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			var count int64
			err := tx.Model(&FriendApply{}).
				Where("status = ? AND ((from_uid = ? AND to_uid = ?) OR (from_uid = ? AND to_uid = ?))",
					ApplyPending, from, to, to, from).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return ErrApplyExists
			}

			if maxPending > 0 {
				err = tx.Model(&FriendApply{}).
					Where("from_uid = ? AND status = ?", from, ApplyPending).
					Count(&count).Error
				if err != nil {
					return err
				}
				if count >= int64(maxPending) {
					return ErrApplyLimit
				}
			}

			return tx.Create(&FriendApply{
				FromUID:   from,
				ToUID:     to,
				Status:    ApplyPending,
				CreatedAt: time.Now(),
			}).Error
		})
	})
}

// GetApplyList returns applies addressed to uid joined with each sender's
// public profile, newest first.
func (s *Store) GetApplyList(ctx context.Context, to int64, offset, limit int) ([]*ApplyEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	var entries []*ApplyEntry
	err := s.withHandle(ctx, func(tx *gorm.DB) error {
		return tx.Model(&FriendApply{}).
			Select("friend_applies.from_uid, friend_applies.to_uid, friend_applies.status, users.name, users.nickname, users.sex, users.icon").
			Joins("JOIN users ON users.uid = friend_applies.from_uid").
			Where("friend_applies.to_uid = ?", to).
			Order("friend_applies.id DESC").
			Offset(offset).Limit(limit).
			Scan(&entries).Error
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// ConfirmFriendApply marks the pending apply Accepted and records the
// friendship in both directions, all in one transaction. backName is the
// remark the accepter assigns to the requester.
func (s *Store) ConfirmFriendApply(ctx context.Context, from, to int64, backName string) error {
	return s.withHandle(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&FriendApply{}).
				Where("from_uid = ? AND to_uid = ? AND status = ?", from, to, ApplyPending).
				Update("status", ApplyAccepted)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrApplyNotFound
			}

			now := time.Now()
			pair := []*Friend{
				{SelfUID: to, FriendUID: from, BackName: backName, CreatedAt: now},
				{SelfUID: from, FriendUID: to, CreatedAt: now},
			}
			for _, f := range pair {
				if err := tx.Create(f).Error; err != nil {
					if isUniqueConstraintError(err) {
						continue // already friends in this direction
					}
					return err
				}
			}
			return nil
		})
	})
}

// GetFriendList returns the full profiles of uid's friends.
func (s *Store) GetFriendList(ctx context.Context, self int64) ([]*User, error) {
	var friends []*User
	err := s.withHandle(ctx, func(tx *gorm.DB) error {
		return tx.Model(&User{}).
			Joins("JOIN friends ON friends.friend_uid = users.uid").
			Where("friends.self_uid = ?", self).
			Find(&friends).Error
	})
	if err != nil {
		return nil, err
	}
	return friends, nil
}

// SaveOfflineMessage stores a text message for delivery at the addressee's
// next login.
func (s *Store) SaveOfflineMessage(ctx context.Context, from, to int64, body string) error {
	return s.withHandle(ctx, func(tx *gorm.DB) error {
		return tx.Create(&OfflineMessage{
			ToUID:     to,
			FromUID:   from,
			Body:      body,
			CreatedAt: time.Now(),
		}).Error
	})
}

// TakeOfflineMessages returns uid's undelivered messages in arrival order
// and marks them delivered in the same transaction.
func (s *Store) TakeOfflineMessages(ctx context.Context, to int64) ([]*OfflineMessage, error) {
	var msgs []*OfflineMessage
	err := s.withHandle(ctx, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("to_uid = ? AND delivered = ?", to, false).
				Order("id ASC").Find(&msgs).Error; err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}
			ids := make([]int64, len(msgs))
			for i, m := range msgs {
				ids[i] = m.ID
			}
			return tx.Model(&OfflineMessage{}).Where("id IN ?", ids).
				Update("delivered", true).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
