// Package database provides SQLite connectivity for the bus recorder.
//
// This package manages:
//   - Database connection with WAL mode and a busy timeout
//   - Embedded schema migrations, applied in version order
//   - Health checks and lifecycle management
//
// The recorder tables (knx_group_addresses, knx_devices) are created by the
// migrations package, which registers its embedded files from init.
//
// Usage:
//
//	db, err := database.Open(cfg.Recorder)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//	rec := knx.NewFrameRecorder(db.DB)
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql and are
// additive only: new columns are NULLABLE or have DEFAULT values.
package database
