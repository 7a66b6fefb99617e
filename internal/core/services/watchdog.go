// Package services contains core business logic services
// Following Hexagonal Architecture: Core layer is independent of infrastructure
package services

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

const (
	watchdogInterval = 10 * time.Minute
	purgeDiskPercent = 70.0
)

// RunWatchdog starts the audit-log retention service. Raw webhook payloads
// are kept for replay and debugging, not forever: once disk usage crosses
// the threshold, logs older than the retention window are purged in small
// batches so the delete never locks the table for long.
func RunWatchdog(db *sql.DB) {
	ticker := time.NewTicker(watchdogInterval)

	go func() {
		for range ticker.C {
			usage, err := disk.Usage(".")
			if err != nil {
				slog.Warn("Watchdog disk check failed", "error", err)
				continue
			}

			if usage.UsedPercent < purgeDiskPercent {
				slog.Debug("Watchdog disk usage OK", "used_percent", usage.UsedPercent)
				continue
			}

			slog.Info("Watchdog purging old webhook logs", "used_percent", usage.UsedPercent)

			result, err := db.Exec(`
				DELETE FROM webhook_logs
				WHERE created_at < DATE_SUB(NOW(), INTERVAL 7 DAY)
				LIMIT 1000
			`)
			if err != nil {
				slog.Error("Watchdog purge failed", "error", err)
				continue
			}

			rows, _ := result.RowsAffected()
			slog.Info("Watchdog purge complete", "rows_purged", rows)
		}
	}()

	slog.Info("Watchdog started", "interval", watchdogInterval)
}
