package database

import (
	"github.com/MarcoPoloResearchLab/modhub/internal/catalog"
	"gorm.io/gorm"
)

const migrationRecountModDownloads = "2026-03-01_recount_mod_downloads"

// CatalogSchema describes the authoritative backend tables.
func CatalogSchema() Schema {
	return Schema{
		Models: []any{&catalog.Mod{}, &catalog.Favorite{}, &catalog.Download{}},
		Migrations: []Migration{
			{Name: migrationRecountModDownloads, Apply: recountModDownloads},
		},
	}
}

// recountModDownloads rebuilds the denormalized download counter from the download log.
func recountModDownloads(db *gorm.DB) error {
	return db.Exec(
		"UPDATE mods SET download_count = (SELECT COUNT(*) FROM downloads WHERE downloads.mod_id = mods.mod_id)",
	).Error
}
