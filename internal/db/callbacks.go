/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"errors"
	"time"

	"github.com/friendsincode/grimnir_relay/internal/telemetry"
	"gorm.io/gorm"
)

const startTimeKey = "telemetry:start_time"

// RegisterCallbacks records query latency and errors for every CRUD
// operation.
func RegisterCallbacks(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Query().Before("gorm:query").Register("telemetry:before_query", startTimer),
		cb.Query().After("gorm:query").Register("telemetry:after_query", observe("query")),
		cb.Create().Before("gorm:create").Register("telemetry:before_create", startTimer),
		cb.Create().After("gorm:create").Register("telemetry:after_create", observe("create")),
		cb.Update().Before("gorm:update").Register("telemetry:before_update", startTimer),
		cb.Update().After("gorm:update").Register("telemetry:after_update", observe("update")),
		cb.Delete().Before("gorm:delete").Register("telemetry:before_delete", startTimer),
		cb.Delete().After("gorm:delete").Register("telemetry:after_delete", observe("delete")),
	)
}

func startTimer(db *gorm.DB) {
	db.InstanceSet(startTimeKey, time.Now())
}

func observe(operation string) func(*gorm.DB) {
	return func(db *gorm.DB) {
		v, ok := db.InstanceGet(startTimeKey)
		if !ok {
			return
		}
		start, ok := v.(time.Time)
		if !ok {
			return
		}

		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}
		telemetry.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())

		if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
			telemetry.DatabaseErrorsTotal.WithLabelValues(operation, table).Inc()
		}
	}
}

// UpdateConnectionMetrics publishes connection pool usage.
func UpdateConnectionMetrics(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	stats := sqlDB.Stats()
	telemetry.DatabaseConnectionsOpen.Set(float64(stats.OpenConnections))
}
