package priority

import (
	"context"

	"gorm.io/gorm"
)

// LoadRules reads every configured rule ordered by evaluation position.
func LoadRules(ctx context.Context, db *gorm.DB) ([]Rule, error) {
	var rules []Rule
	err := db.WithContext(ctx).
		Order("position ASC, name ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// SaveRule inserts or replaces a rule by identifier.
func SaveRule(ctx context.Context, db *gorm.DB, rule Rule) error {
	return db.WithContext(ctx).Save(&rule).Error
}
