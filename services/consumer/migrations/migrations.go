// Package migrations holds the consumer schema.
package migrations

import (
	"context"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"

	"syncd/pkg/credential"
	"syncd/pkg/db"
	"syncd/services/consumer"
)

// All returns the consumer migrations in order.
func All() []*goose.Migration {
	return []*goose.Migration{
		db.GormMigration(1, upInit, downInit),
	}
}

func upInit(ctx context.Context, orm *gorm.DB) error {
	if err := orm.AutoMigrate(consumer.Models()...); err != nil {
		return err
	}
	return credential.AutoMigrate(ctx, orm)
}

func downInit(_ context.Context, orm *gorm.DB) error {
	return orm.Migrator().DropTable("sync_settings", "snapshot_history", "template_mappings", "resource_meta", "resources", "credentials")
}
