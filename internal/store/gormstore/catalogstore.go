package gormstore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ecuworks/tuneportal/internal/catalog"
	"github.com/ecuworks/tuneportal/pkg/credits"
)

// CatalogStore implements catalog.Source over the tuning_options table.
type CatalogStore struct {
	db *gorm.DB
}

// NewCatalogStore returns a catalog view over the given connection.
func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (store *CatalogStore) OptionsByIDs(ctx context.Context, optionIDs []string) ([]catalog.Option, error) {
	if len(optionIDs) == 0 {
		return nil, nil
	}
	var rows []TuningOption
	err := store.db.WithContext(ctx).
		Where("option_id IN ?", optionIDs).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectOption, errorCodeList, err)
	}
	options := make([]catalog.Option, 0, len(rows))
	for _, row := range rows {
		options = append(options, catalog.Option{
			OptionID:    row.OptionID,
			Name:        row.Name,
			Description: row.Description,
			CreditCost:  credits.Credits(row.CreditCost),
		})
	}
	return options, nil
}

// SeedOptions upserts catalog entries; used at boot and in tests.
func (store *CatalogStore) SeedOptions(ctx context.Context, options []catalog.Option) error {
	if len(options) == 0 {
		return nil
	}
	rows := make([]TuningOption, 0, len(options))
	for _, option := range options {
		rows = append(rows, TuningOption{
			OptionID:    option.OptionID,
			Name:        option.Name,
			Description: option.Description,
			CreditCost:  option.CreditCost.Int64(),
		})
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "option_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"name":        clause.Expr{SQL: "excluded.name"},
				"description": clause.Expr{SQL: "excluded.description"},
				"credit_cost": clause.Expr{SQL: "excluded.credit_cost"},
			}),
		}).
		Create(&rows).Error
	if err != nil {
		return wrapStoreError(errorSubjectOption, errorCodeInsert, err)
	}
	return nil
}
