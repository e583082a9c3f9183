// Package audit persists tunnel lifecycle events in a SQLite database so past
// sessions can be reviewed with "rpio tunnels history".
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/juju/loggo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/redpencil/rpio/internal/logutil"
	"github.com/redpencil/rpio/internal/tunnel"
)

var logger = loggo.GetLogger("rpio.audit")

// DefaultRetentionDays is how long events are kept when no retention is set.
const DefaultRetentionDays = 90

// SessionEvent is one recorded state transition.
type SessionEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
	SessionID    string    `gorm:"index;size:36" json:"session_id"`
	HostID       string    `gorm:"index" json:"host"`
	Container    string    `json:"container"`
	LocalPort    int       `json:"local_port"`
	RemotePort   int       `json:"remote_port"`
	FromState    string    `json:"from"`
	ToState      string    `gorm:"index" json:"to"`
	Reason       string    `json:"reason"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	PortReleased bool      `json:"port_released"`
}

// Auditor records and queries session events.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string, retentionDays int) (*Auditor, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return New(db, retentionDays)
}

// New returns an auditor on db, migrating the schema. A non-positive
// retentionDays selects DefaultRetentionDays.
func New(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&SessionEvent{}); err != nil {
		return nil, fmt.Errorf("auto-migrate audit table: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// Record stores one event.
func (a *Auditor) Record(ev tunnel.Event) error {
	rec := SessionEvent{
		CreatedAt:    ev.Timestamp,
		SessionID:    ev.SessionID,
		HostID:       string(ev.HostID),
		Container:    ev.Container,
		LocalPort:    ev.LocalPort,
		RemotePort:   ev.RemotePort,
		FromState:    ev.From.String(),
		ToState:      ev.To.String(),
		Reason:       logutil.Truncate(strings.TrimSpace(logutil.SanitizeForLog(ev.Reason)), 1024),
		FailureKind:  string(ev.FailureKind),
		PortReleased: ev.PortReleased,
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = a.nowFn()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// Listener returns a tunnel listener that records every event. Write errors
// are logged, never propagated to the tunnel.
func (a *Auditor) Listener() tunnel.Listener {
	return func(ev tunnel.Event) {
		if err := a.Record(ev); err != nil {
			logger.Warningf("%v", err)
		}
	}
}

// QueryOptions filters audit events.
type QueryOptions struct {
	SessionID string
	HostID    string
	ToState   string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult holds a page of events, newest first.
type QueryResult struct {
	Entries []SessionEvent `json:"entries"`
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// Query returns events matching opts. Limit defaults to 50 and is capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&SessionEvent{})
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.HostID != "" {
		tx = tx.Where("host_id = ?", opts.HostID)
	}
	if opts.ToState != "" {
		tx = tx.Where("to_state = ?", opts.ToState)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count audit events: %w", err)
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	var entries []SessionEvent
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes events older than days, or the configured retention
// when days is not positive. It returns the number of deleted events.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	defer a.mu.Unlock()
	res := a.db.Where("created_at < ?", cutoff).Delete(&SessionEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge audit events: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logger.Infof("purged %d audit events older than %d days", res.RowsAffected, days)
	}
	return res.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// Close closes the underlying database.
func (a *Auditor) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
