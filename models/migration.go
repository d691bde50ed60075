package models

import (
	"log"

	"bitbucket.org/mmdatafocus/timebill_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&TimeRecord{},
		&RateCatalogEntry{},
		&BillingStagingRow{},
		&InvoiceLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
