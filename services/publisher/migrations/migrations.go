// Package migrations holds the publisher schema.
package migrations

import (
	"context"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"

	"syncd/pkg/credential"
	"syncd/pkg/db"
	"syncd/services/publisher"
)

// All returns the publisher migrations in order.
func All() []*goose.Migration {
	return []*goose.Migration{
		db.GormMigration(1, upInit, downInit),
	}
}

func upInit(ctx context.Context, orm *gorm.DB) error {
	if err := orm.AutoMigrate(publisher.Models()...); err != nil {
		return err
	}
	return credential.AutoMigrate(ctx, orm)
}

func downInit(_ context.Context, orm *gorm.DB) error {
	return orm.Migrator().DropTable("deployments", "consumers", "template_versions", "templates", "credentials")
}
