package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Skotchmaster/school_portal/internal/models"
)

func purposeColumns(p models.TokenPurpose) (tokenCol, expCol string, err error) {
	switch p {
	case models.PurposeVerification:
		return "verification_token_hash", "verification_expires_at", nil
	case models.PurposeReset:
		return "reset_token_hash", "reset_expires_at", nil
	default:
		return "", "", fmt.Errorf("unknown token purpose %q", p)
	}
}

// SetOneTimeToken stores digest as the pending token for purpose, replacing
// any earlier one.
func (r *GormRepo) SetOneTimeToken(ctx context.Context, userID uuid.UUID, purpose models.TokenPurpose, digest string, expiresAt time.Time) error {
	tokenCol, expCol, err := purposeColumns(purpose)
	if err != nil {
		return err
	}
	res := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{tokenCol: digest, expCol: utc(expiresAt)})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindByOneTimeToken returns nil, nil when no credential holds digest.
func (r *GormRepo) FindByOneTimeToken(ctx context.Context, purpose models.TokenPurpose, digest string) (*models.User, error) {
	tokenCol, _, err := purposeColumns(purpose)
	if err != nil {
		return nil, err
	}
	var user models.User
	if err := r.DB.WithContext(ctx).Where(tokenCol+" = ?", digest).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// ConsumeVerification clears the verification token and marks the account
// verified.
func (r *GormRepo) ConsumeVerification(ctx context.Context, digest string, now time.Time) (*models.User, error) {
	return r.consume(ctx, models.PurposeVerification, digest, now, map[string]any{"verified": true})
}

// ConsumeReset clears the reset token and stores the new password hash.
func (r *GormRepo) ConsumeReset(ctx context.Context, digest string, now time.Time, newHash string) (*models.User, error) {
	return r.consume(ctx, models.PurposeReset, digest, now, map[string]any{"password_hash": newHash})
}

// consume is the only place a one-time token is invalidated. The UPDATE is
// conditional on the digest still being present, so of two concurrent
// consumers exactly one sees a row affected.
func (r *GormRepo) consume(ctx context.Context, purpose models.TokenPurpose, digest string, now time.Time, extra map[string]any) (*models.User, error) {
	tokenCol, expCol, err := purposeColumns(purpose)
	if err != nil {
		return nil, err
	}

	var user models.User
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(tokenCol+" = ?", digest).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenNotConsumable
			}
			return err
		}
		if _, exp := user.OneTimeToken(purpose); exp == nil || !now.Before(*exp) {
			return ErrTokenNotConsumable
		}

		updates := map[string]any{tokenCol: nil, expCol: nil}
		for k, v := range extra {
			updates[k] = v
		}
		res := tx.Model(&models.User{}).
			Where("id = ? AND "+tokenCol+" = ?", user.ID, digest).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrTokenNotConsumable
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
