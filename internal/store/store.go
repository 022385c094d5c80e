// Package store keeps a metadata-only ledger of relay connections and
// transfer outcomes. Payload bytes and message text are never written.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Connection struct {
	ID             uint   `gorm:"primaryKey"`
	ConnectionID   string `gorm:"uniqueIndex;not null"`
	RemoteAddr     string
	Platform       string
	DisplayName    string
	ConnectedAt    int64
	DisconnectedAt int64
	Reason         string
}

type Transfer struct {
	ID          uint   `gorm:"primaryKey"`
	TransferID  string `gorm:"uniqueIndex;not null"`
	SenderID    string `gorm:"index"`
	TargetID    string `gorm:"index"`
	FileName    string
	FileSize    int64
	Status      string
	Detail      string
	RequestedAt int64
	UpdatedAt   int64
}

// Transfer statuses recorded in the ledger.
const (
	StatusRequested = "requested"
	StatusAccepted  = "accepted"
	StatusDeclined  = "declined"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("store: record not found")

func NewDB(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&Connection{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

type Ledger struct {
	DB  *gorm.DB
	now func() time.Time
}

func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{DB: db, now: time.Now}
}

// Open creates the database at path and wraps it in a Ledger.
func Open(path string) (*Ledger, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	return NewLedger(db), nil
}

func (l *Ledger) Close() error {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (l *Ledger) ConnectionOpened(ctx context.Context, connID, remoteAddr string) error {
	return l.DB.WithContext(ctx).Create(&Connection{
		ConnectionID: connID,
		RemoteAddr:   remoteAddr,
		ConnectedAt:  l.now().Unix(),
	}).Error
}

func (l *Ledger) ConnectionAnnounced(ctx context.Context, connID, platform, displayName string) error {
	return l.updateConnection(ctx, connID, map[string]any{
		"platform":     platform,
		"display_name": displayName,
	})
}

func (l *Ledger) ConnectionClosed(ctx context.Context, connID, reason string) error {
	return l.updateConnection(ctx, connID, map[string]any{
		"disconnected_at": l.now().Unix(),
		"reason":          reason,
	})
}

func (l *Ledger) TransferRequested(ctx context.Context, transferID, senderID, targetID, fileName string, fileSize int64) error {
	now := l.now().Unix()
	return l.DB.WithContext(ctx).Create(&Transfer{
		TransferID:  transferID,
		SenderID:    senderID,
		TargetID:    targetID,
		FileName:    fileName,
		FileSize:    fileSize,
		Status:      StatusRequested,
		RequestedAt: now,
		UpdatedAt:   now,
	}).Error
}

func (l *Ledger) TransferUpdated(ctx context.Context, transferID, status, detail string) error {
	res := l.DB.WithContext(ctx).Model(&Transfer{}).
		Where("transfer_id = ?", transferID).
		Updates(map[string]any{
			"status":     status,
			"detail":     detail,
			"updated_at": l.now().Unix(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
	}
	return nil
}

func (l *Ledger) GetTransfer(ctx context.Context, transferID string) (Transfer, error) {
	var t Transfer
	err := l.DB.WithContext(ctx).Where("transfer_id = ?", transferID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Transfer{}, fmt.Errorf("transfer %s: %w", transferID, ErrNotFound)
	}
	return t, err
}

func (l *Ledger) GetConnection(ctx context.Context, connID string) (Connection, error) {
	var c Connection
	err := l.DB.WithContext(ctx).Where("connection_id = ?", connID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Connection{}, fmt.Errorf("connection %s: %w", connID, ErrNotFound)
	}
	return c, err
}

// RecentTransfers returns up to limit transfers, newest first.
func (l *Ledger) RecentTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	var transfers []Transfer
	err := l.DB.WithContext(ctx).Order("requested_at desc, id desc").Limit(limit).Find(&transfers).Error
	return transfers, err
}

func (l *Ledger) updateConnection(ctx context.Context, connID string, fields map[string]any) error {
	res := l.DB.WithContext(ctx).Model(&Connection{}).
		Where("connection_id = ?", connID).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s: %w", connID, ErrNotFound)
	}
	return nil
}
