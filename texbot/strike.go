package texbot

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// DiscordMemberStrikes counts the strikes given to a member. Members
// are identified by a hash of their user ID.
//
//nolint:lll // struct tags can't be split
type DiscordMemberStrikes struct {
	ModelUintID
	HashedMemberID string `json:"hashed_member_id" gorm:"not null;uniqueIndex"`
	Strikes        int    `json:"strikes" gorm:"not null;default:0"`
	ModelUnixTime
}

// addStrike increments the strike count for memberID, returning the
// new count.
func addStrike(ctx context.Context, db DBI, memberID string) (int, error) {
	hashed := hashID(memberID)
	var strikes int
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var record DiscordMemberStrikes
			rv := tx.Model(&DiscordMemberStrikes{}).
				Where("hashed_member_id = ?", hashed).
				Update("strikes", gorm.Expr("strikes + 1"))
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				record = DiscordMemberStrikes{HashedMemberID: hashed, Strikes: 1}
				if err := tx.Create(&record).Error; err != nil {
					return err
				}
			} else if err := tx.Where("hashed_member_id = ?", hashed).First(&record).Error; err != nil {
				return err
			}
			strikes = record.Strikes
			return nil
		},
	)
	return strikes, err
}

// resetStrikes removes memberID's strike record, returning the number
// of rows deleted. The record is hard deleted, so a later strike can
// create a new one under the unique index.
func resetStrikes(ctx context.Context, db DBI, memberID string) (int64, error) {
	var rows int64
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Unscoped().
				Where("hashed_member_id = ?", hashID(memberID)).
				Delete(&DiscordMemberStrikes{})
			rows = rv.RowsAffected
			return rv.Error
		},
	)
	return rows, err
}

// memberStrikes returns the strike count for memberID, which is 0 if
// they've never had a strike.
func memberStrikes(ctx context.Context, db *gorm.DB, memberID string) (int, error) {
	var record DiscordMemberStrikes
	err := db.WithContext(ctx).Where("hashed_member_id = ?", hashID(memberID)).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return record.Strikes, err
}
