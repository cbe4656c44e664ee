// Package gormstore implements the persistence contract on Gorm + SQLite.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autohub/internal/broker"
	"autohub/internal/store"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type GormStore struct {
	db *gorm.DB
}

var _ store.Store = (*GormStore)(nil)

// New opens (or creates) the SQLite database and migrates the schema.
func New(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&connectionModel{}, &trackedOrderModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: keep write contention low while webhook ingestion and
	// reconciliation poll writes interleave.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --------------------------- Connections ---------------------------

func (s *GormStore) GetConnection(ctx context.Context, id uint) (store.ConnectionRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.ConnectionRecord{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var m connectionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.ConnectionRecord{}, false, nil
		}
		return store.ConnectionRecord{}, false, err
	}
	return connectionModelToRecord(m), true, nil
}

func (s *GormStore) ListActiveConnections(ctx context.Context) ([]store.ConnectionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []connectionModel
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.ConnectionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, connectionModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) UpsertConnection(ctx context.Context, rec store.ConnectionRecord) (uint, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(rec.BrokerName) == "" {
		return 0, fmt.Errorf("broker_name 必填")
	}
	m := newConnectionModel(rec)
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"broker_name", "user_id_broker", "api_key_enc", "api_secret_enc",
				"access_token_enc", "access_token_expires_at", "is_active",
				"is_authenticated", "updated_at",
			}),
		}).
		Create(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

// --------------------------- Tracked orders ---------------------------

func (s *GormStore) ListOpenOrders(ctx context.Context) ([]store.TrackedOrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	open := []string{
		string(broker.StatusPending),
		string(broker.StatusOpen),
		string(broker.StatusPartiallyFilled),
		string(broker.StatusUnknown),
	}
	var models []trackedOrderModel
	if err := s.db.WithContext(ctx).
		Where("status IN ?", open).
		Order("placed_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.TrackedOrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, trackedOrderModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) GetTrackedOrder(ctx context.Context, connectionID uint, brokerOrderID string) (store.TrackedOrderRecord, bool, error) {
	if s == nil || s.db == nil {
		return store.TrackedOrderRecord{}, false, fmt.Errorf("gorm store 未初始化")
	}
	var m trackedOrderModel
	err := s.db.WithContext(ctx).
		Where("connection_id = ? AND broker_order_id = ?", connectionID, strings.TrimSpace(brokerOrderID)).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.TrackedOrderRecord{}, false, nil
		}
		return store.TrackedOrderRecord{}, false, err
	}
	return trackedOrderModelToRecord(m), true, nil
}

func (s *GormStore) UpsertTrackedOrder(ctx context.Context, rec store.TrackedOrderRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if rec.ConnectionID == 0 || strings.TrimSpace(rec.BrokerOrderID) == "" {
		return fmt.Errorf("tracked order 需要 connection_id 和 broker_order_id")
	}
	m := newTrackedOrderModel(rec)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "connection_id"}, {Name: "broker_order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"symbol", "exchange", "side", "quantity", "status",
				"last_known_broker_status", "last_polled_at", "poll_attempt_count",
				"raw_response", "updated_at",
			}),
		}).
		Create(&m).Error
}

func (s *GormStore) UpdateTrackedOrderStatus(ctx context.Context, connectionID uint, brokerOrderID string, status broker.OrderStatus, rawStatus string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if !status.Valid() || status == broker.StatusUnknown {
		return fmt.Errorf("不能写入状态 %q", status)
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&trackedOrderModel{}).
		Where("connection_id = ? AND broker_order_id = ?", connectionID, strings.TrimSpace(brokerOrderID)).
		Updates(map[string]interface{}{
			"status":                   string(status),
			"last_known_broker_status": strings.TrimSpace(rawStatus),
			"last_polled_at":           now.Unix(),
			"updated_at":               now.UnixMilli(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) RecordPollAttempt(ctx context.Context, connectionID uint, brokerOrderID string, rawStatus string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	now := time.Now()
	updates := map[string]interface{}{
		"poll_attempt_count": gorm.Expr("poll_attempt_count + 1"),
		"last_polled_at":     now.Unix(),
		"updated_at":         now.UnixMilli(),
	}
	if raw := strings.TrimSpace(rawStatus); raw != "" {
		updates["last_known_broker_status"] = raw
	}
	return s.db.WithContext(ctx).Model(&trackedOrderModel{}).
		Where("connection_id = ? AND broker_order_id = ?", connectionID, strings.TrimSpace(brokerOrderID)).
		Updates(updates).Error
}

func (s *GormStore) ListOrdersByConnection(ctx context.Context, connectionID uint, limit int) ([]store.TrackedOrderRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []trackedOrderModel
	if err := s.db.WithContext(ctx).
		Where("connection_id = ?", connectionID).
		Order("placed_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.TrackedOrderRecord, 0, len(models))
	for _, m := range models {
		out = append(out, trackedOrderModelToRecord(m))
	}
	return out, nil
}

func (s *GormStore) DeleteExpiredSessions(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	now := time.Now()
	return s.db.WithContext(ctx).Model(&connectionModel{}).
		Where("is_authenticated = ? AND access_token_expires_at IS NOT NULL AND access_token_expires_at < ?", true, now.Unix()).
		Updates(map[string]interface{}{
			"is_authenticated": false,
			"updated_at":       now.UnixMilli(),
		}).Error
}

// --------------------------- Models ---------------------------

type connectionModel struct {
	ID                   uint   `gorm:"column:id;primaryKey"`
	BrokerName           string `gorm:"column:broker_name;index"`
	UserIDBroker         string `gorm:"column:user_id_broker"`
	APIKeyEnc            string `gorm:"column:api_key_enc"`
	APISecretEnc         string `gorm:"column:api_secret_enc"`
	AccessTokenEnc       string `gorm:"column:access_token_enc"`
	AccessTokenExpiresAt *int64 `gorm:"column:access_token_expires_at"`
	IsActive             bool   `gorm:"column:is_active"`
	IsAuthenticated      bool   `gorm:"column:is_authenticated"`
	CreatedAtUnix        int64  `gorm:"column:created_at"`
	UpdatedAtUnix        int64  `gorm:"column:updated_at"`
}

func (connectionModel) TableName() string { return "broker_connections" }

type trackedOrderModel struct {
	ID                    int64          `gorm:"column:id;primaryKey"`
	ConnectionID          uint           `gorm:"column:connection_id;uniqueIndex:idx_conn_order,priority:1"`
	BrokerName            string         `gorm:"column:broker_name;index"`
	BrokerOrderID         string         `gorm:"column:broker_order_id;uniqueIndex:idx_conn_order,priority:2"`
	Symbol                string         `gorm:"column:symbol;index"`
	Exchange              string         `gorm:"column:exchange"`
	Side                  string         `gorm:"column:side"`
	Quantity              int            `gorm:"column:quantity"`
	Status                string         `gorm:"column:status;index"`
	LastKnownBrokerStatus string         `gorm:"column:last_known_broker_status"`
	LastPolledAt          *int64         `gorm:"column:last_polled_at"`
	PollAttemptCount      int            `gorm:"column:poll_attempt_count"`
	RawResponse           datatypes.JSON `gorm:"column:raw_response;type:TEXT"`
	PlacedAtUnix          int64          `gorm:"column:placed_at"`
	UpdatedAtUnix         int64          `gorm:"column:updated_at"`
}

func (trackedOrderModel) TableName() string { return "tracked_orders" }

func newConnectionModel(rec store.ConnectionRecord) connectionModel {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	return connectionModel{
		ID:                   rec.ID,
		BrokerName:           strings.ToLower(strings.TrimSpace(rec.BrokerName)),
		UserIDBroker:         strings.TrimSpace(rec.UserIDBroker),
		APIKeyEnc:            rec.APIKeyEnc,
		APISecretEnc:         rec.APISecretEnc,
		AccessTokenEnc:       rec.AccessTokenEnc,
		AccessTokenExpiresAt: rec.AccessTokenExpiresAt,
		IsActive:             rec.IsActive,
		IsAuthenticated:      rec.IsAuthenticated,
		CreatedAtUnix:        rec.CreatedAt.UnixMilli(),
		UpdatedAtUnix:        rec.UpdatedAt.UnixMilli(),
	}
}

func connectionModelToRecord(m connectionModel) store.ConnectionRecord {
	return store.ConnectionRecord{
		ID:                   m.ID,
		BrokerName:           strings.ToLower(strings.TrimSpace(m.BrokerName)),
		UserIDBroker:         m.UserIDBroker,
		APIKeyEnc:            m.APIKeyEnc,
		APISecretEnc:         m.APISecretEnc,
		AccessTokenEnc:       m.AccessTokenEnc,
		AccessTokenExpiresAt: m.AccessTokenExpiresAt,
		IsActive:             m.IsActive,
		IsAuthenticated:      m.IsAuthenticated,
		CreatedAt:            time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt:            time.UnixMilli(m.UpdatedAtUnix),
	}
}

func newTrackedOrderModel(rec store.TrackedOrderRecord) trackedOrderModel {
	now := time.Now()
	if rec.PlacedAt.IsZero() {
		rec.PlacedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	status := rec.Status
	if status == "" {
		status = broker.StatusPending
	}
	raw := strings.TrimSpace(rec.RawResponse)
	if raw == "" {
		raw = "{}"
	}
	m := trackedOrderModel{
		ID:                    rec.ID,
		ConnectionID:          rec.ConnectionID,
		BrokerName:            strings.ToLower(strings.TrimSpace(rec.BrokerName)),
		BrokerOrderID:         strings.TrimSpace(rec.BrokerOrderID),
		Symbol:                strings.ToUpper(strings.TrimSpace(rec.Symbol)),
		Exchange:              strings.ToUpper(strings.TrimSpace(rec.Exchange)),
		Side:                  strings.ToUpper(strings.TrimSpace(rec.Side)),
		Quantity:              rec.Quantity,
		Status:                string(status),
		LastKnownBrokerStatus: strings.TrimSpace(rec.LastKnownBrokerStatus),
		PollAttemptCount:      rec.PollAttemptCount,
		RawResponse:           datatypes.JSON(raw),
		PlacedAtUnix:          rec.PlacedAt.UnixMilli(),
		UpdatedAtUnix:         rec.UpdatedAt.UnixMilli(),
	}
	if rec.LastPolledAt != nil && !rec.LastPolledAt.IsZero() {
		v := rec.LastPolledAt.Unix()
		m.LastPolledAt = &v
	}
	return m
}

func trackedOrderModelToRecord(m trackedOrderModel) store.TrackedOrderRecord {
	rec := store.TrackedOrderRecord{
		ID:                    m.ID,
		ConnectionID:          m.ConnectionID,
		BrokerName:            strings.ToLower(strings.TrimSpace(m.BrokerName)),
		BrokerOrderID:         m.BrokerOrderID,
		Symbol:                m.Symbol,
		Exchange:              m.Exchange,
		Side:                  m.Side,
		Quantity:              m.Quantity,
		Status:                broker.OrderStatus(m.Status),
		LastKnownBrokerStatus: m.LastKnownBrokerStatus,
		PollAttemptCount:      m.PollAttemptCount,
		RawResponse:           string(m.RawResponse),
		PlacedAt:              time.UnixMilli(m.PlacedAtUnix),
		UpdatedAt:             time.UnixMilli(m.UpdatedAtUnix),
	}
	if m.LastPolledAt != nil && *m.LastPolledAt > 0 {
		ts := time.Unix(*m.LastPolledAt, 0)
		rec.LastPolledAt = &ts
	}
	return rec
}
