package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type bidOutcomeRow struct {
	RequestID       string `gorm:"primaryKey;size:64"`
	LeadID          string `gorm:"index;size:128"`
	Vertical        string `gorm:"size:64"`
	TotalReceived   int
	ValidCount      int
	SelectedCount   int
	PartnerTimeouts int
	InvalidBids     int
	AverageBidPrice float64
	HighestBid      float64
	ErrorCodes      string
	ProcessingMs    int64
	Payload         string    `gorm:"type:jsonb"`
	CreatedAt       time.Time `gorm:"index"`
}

func (bidOutcomeRow) TableName() string { return "bid_outcomes" }

type clickOutcomeRow struct {
	ID                string `gorm:"primaryKey;size:36"`
	ClickID           string `gorm:"index;size:128"`
	LeadID            string `gorm:"size:128"`
	BidID             string `gorm:"size:128"`
	PartnerID         string `gorm:"index;size:64"`
	Status            string `gorm:"index;size:16"`
	ErrorMessage      string
	FraudDetected     bool
	IP                string `gorm:"size:64"`
	UserAgent         string
	ValidationResults string    `gorm:"type:jsonb"`
	ProcessedAt       time.Time `gorm:"index"`
}

func (clickOutcomeRow) TableName() string { return "click_outcomes" }

// PostgresOutcomeRepo is the durable analytics sink for bid and click outcomes.
type PostgresOutcomeRepo struct {
	db *gorm.DB
}

func NewPostgresOutcomeRepo(db *gorm.DB) *PostgresOutcomeRepo {
	return &PostgresOutcomeRepo{db: db}
}

func (r *PostgresOutcomeRepo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&bidOutcomeRow{}, &clickOutcomeRow{})
}

func (r *PostgresOutcomeRepo) InsertBid(ctx context.Context, rec *model.BidRecord) error {
	if rec == nil || rec.Response == nil {
		return nil
	}
	resp := rec.Response
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode bid response: %w", err)
	}
	row := bidOutcomeRow{
		RequestID:       resp.RequestID,
		LeadID:          resp.LeadID,
		Vertical:        rec.Vertical,
		TotalReceived:   resp.TotalBidsReceived,
		ValidCount:      resp.ValidBidsCount,
		SelectedCount:   len(resp.Bids),
		PartnerTimeouts: resp.Metrics.PartnerTimeouts,
		InvalidBids:     resp.Metrics.InvalidBids,
		AverageBidPrice: resp.Metrics.AverageBidPrice,
		HighestBid:      resp.Metrics.HighestBid,
		ErrorCodes:      strings.Join(resp.ErrorCodes, ","),
		ProcessingMs:    resp.Metrics.ProcessingEnd.Sub(resp.Metrics.ProcessingStart).Milliseconds(),
		Payload:         string(payload),
		CreatedAt:       resp.Timestamp,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (r *PostgresOutcomeRepo) InsertClick(ctx context.Context, rec *model.ClickRecord) error {
	if rec == nil {
		return nil
	}
	results, err := json.Marshal(rec.Response.ValidationResults)
	if err != nil {
		return fmt.Errorf("encode validation results: %w", err)
	}
	row := clickOutcomeRow{
		ID:                uuid.New().String(),
		ClickID:           rec.Response.ClickID,
		LeadID:            rec.LeadID,
		BidID:             rec.BidID,
		PartnerID:         rec.PartnerID,
		Status:            string(rec.Response.Status),
		ErrorMessage:      rec.Response.ErrorMessage,
		FraudDetected:     rec.Response.FraudDetected,
		IP:                rec.IP,
		UserAgent:         rec.UserAgent,
		ValidationResults: string(results),
		ProcessedAt:       rec.Response.ProcessedAt,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *PostgresOutcomeRepo) RecentClicks(ctx context.Context, limit int) ([]*model.ClickRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []clickOutcomeRow
	if err := r.db.WithContext(ctx).Order("processed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.ClickRecord, 0, len(rows))
	for _, row := range rows {
		rec := &model.ClickRecord{
			LeadID:    row.LeadID,
			BidID:     row.BidID,
			PartnerID: row.PartnerID,
			IP:        row.IP,
			UserAgent: row.UserAgent,
			Response: model.ClickResponse{
				ClickID:       row.ClickID,
				Status:        model.ClickStatus(row.Status),
				ErrorMessage:  row.ErrorMessage,
				ProcessedAt:   row.ProcessedAt,
				FraudDetected: row.FraudDetected,
			},
		}
		if row.ValidationResults != "" {
			_ = json.Unmarshal([]byte(row.ValidationResults), &rec.Response.ValidationResults)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Cleanup deletes outcomes older than cutoff and returns how many rows went.
func (r *PostgresOutcomeRepo) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	bids := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&bidOutcomeRow{})
	if bids.Error != nil {
		return 0, bids.Error
	}
	clicks := r.db.WithContext(ctx).Where("processed_at < ?", cutoff).Delete(&clickOutcomeRow{})
	if clicks.Error != nil {
		return bids.RowsAffected, clicks.Error
	}
	return bids.RowsAffected + clicks.RowsAffected, nil
}

// RunRetention calls Cleanup every interval until ctx is done.
func (r *PostgresOutcomeRepo) RunRetention(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Cleanup(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.LogError(ctx, err, "outcome retention cleanup failed")
				continue
			}
			if n > 0 {
				logger.Info("outcome retention cleanup", "deleted", n)
			}
		}
	}
}
