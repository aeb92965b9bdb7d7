package texbot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GroupMadeMember is a society member ID that can be exchanged once for
// the member role. IDs are stored hashed, along with a hash of the
// user that claimed it.
//
//nolint:lll // struct tags can't be split
type GroupMadeMember struct {
	ModelUintID
	HashedGroupMemberID string `json:"hashed_group_member_id" gorm:"not null;uniqueIndex"`
	HashedMemberID      string `json:"hashed_member_id,omitempty" gorm:"type:string;index"`
	ClaimedAt           int64  `json:"claimed_at,omitempty"`
	ModelUnixTime
}

func (GroupMadeMember) TableName() string {
	return "group_made_members"
}

func (g GroupMadeMember) claimed() bool {
	return g.ClaimedAt != 0
}

// importGroupMembers stores the hash of every given ID that isn't
// already known, returning the number added. Blank IDs are skipped.
func importGroupMembers(ctx context.Context, db DBI, groupIDs []string) (int64, error) {
	records := make([]GroupMadeMember, 0, len(groupIDs))
	seen := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		hashed := hashID(id)
		if _, ok := seen[hashed]; ok {
			continue
		}
		seen[hashed] = struct{}{}
		records = append(records, GroupMadeMember{HashedGroupMemberID: hashed})
	}
	if len(records) == 0 {
		return 0, nil
	}

	var added int64
	err := db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "hashed_group_member_id"}},
					DoNothing: true,
				},
			).Create(&records)
			added = rv.RowsAffected
			return rv.Error
		},
	)
	return added, err
}

// claimGroupMember marks groupID as used by memberID. [ErrGroupIDUnknown]
// is returned if the ID was never imported, and [ErrGroupIDUsed] if it's
// already been claimed.
func claimGroupMember(
	ctx context.Context,
	db DBI,
	groupID string,
	memberID string,
	claimedAt int64,
) error {
	hashed := hashID(groupID)
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var record GroupMadeMember
			err := tx.Where("hashed_group_member_id = ?", hashed).First(&record).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrGroupIDUnknown
			}
			if err != nil {
				return err
			}
			if record.claimed() {
				return ErrGroupIDUsed
			}
			rv := tx.Model(&GroupMadeMember{}).
				Where("id = ? AND claimed_at = ?", record.ID, 0).
				Updates(
					map[string]any{
						"hashed_member_id": hashID(memberID),
						"claimed_at":       claimedAt,
					},
				)
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return ErrGroupIDUsed
			}
			return nil
		},
	)
}

// unclaimGroupMember releases groupID so it can be claimed again, used
// when the member role couldn't be given after claiming.
func unclaimGroupMember(ctx context.Context, db DBI, groupID string) error {
	return db.Transaction(
		ctx, func(tx *gorm.DB) error {
			return tx.Model(&GroupMadeMember{}).
				Where("hashed_group_member_id = ?", hashID(groupID)).
				Updates(map[string]any{"hashed_member_id": "", "claimed_at": 0}).
				Error
		},
	)
}

// ValidateGroupMemberIDs checks that every non-blank ID is length
// digits long, returning an [ErrGroupIDInvalid] error for the first that
// isn't.
func ValidateGroupMemberIDs(groupIDs []string, length int) error {
	for _, id := range groupIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !validGroupMemberID(id, length) {
			return fmt.Errorf("%w: %q is not %d digits", ErrGroupIDInvalid, id, length)
		}
	}
	return nil
}

// ImportGroupMembers stores society member IDs in db, which must
// already be migrated, returning the number of new IDs.
func ImportGroupMembers(ctx context.Context, db *gorm.DB, groupIDs []string) (int64, error) {
	return importGroupMembers(ctx, NewDatabase(db, nil, false), groupIDs)
}
