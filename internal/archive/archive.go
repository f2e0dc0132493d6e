package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Ayuan97/rust-bot-sub001/internal/chat"
)

// Record is one archived chat message.
type Record struct {
	ID            uint   `gorm:"primaryKey"`
	TargetID      string `gorm:"index:idx_target_time"`
	MsgID         string `gorm:"uniqueIndex"`
	Sender        string
	Body          string
	Time          int64 `gorm:"index:idx_target_time"`
	Self          bool
	HistoryOrigin bool
}

// Archive persists the chat log to a local sqlite file, so history survives
// daemon restarts and can serve as an offline HistoryProvider. Writes go
// through a buffered worker so the chat actor never blocks on the database.
type Archive struct {
	db     *gorm.DB
	inbox  chan Record
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func Open(parent context.Context, path string, log *zap.Logger) (*Archive, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	a := &Archive{
		db:     db,
		inbox:  make(chan Record, 256),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go a.worker()
	return a, nil
}

// Record enqueues one message for persistence. Non-blocking: if the buffer is
// full the entry is dropped with a warning rather than stalling the caller.
func (a *Archive) Record(targetID string, m chat.Message) {
	rec := Record{
		TargetID:      targetID,
		MsgID:         m.ID,
		Sender:        m.Sender,
		Body:          m.Body,
		Time:          m.Time,
		Self:          m.Self,
		HistoryOrigin: m.HistoryOrigin,
	}
	select {
	case a.inbox <- rec:
	default:
		a.log.Warn("archive buffer full, dropping entry", zap.String("target", targetID))
	}
}

func (a *Archive) worker() {
	defer close(a.done)
	for {
		select {
		case <-a.ctx.Done():
			return
		case rec := <-a.inbox:
			// the same message id may be re-merged after a reload; first
			// write wins
			err := a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
			if err != nil {
				a.log.Warn("archive insert failed", zap.Error(err))
			}
		}
	}
}

// History returns the newest limit messages for a target, oldest first.
// Implements chat.HistoryProvider for offline startup.
func (a *Archive) History(ctx context.Context, targetID string, limit int) ([]chat.Message, error) {
	var recs []Record
	sub := a.db.WithContext(ctx).Model(&Record{}).
		Where("target_id = ?", targetID).
		Order("time DESC").
		Limit(limit)
	err := a.db.WithContext(ctx).
		Table("(?) AS newest", sub).
		Order("time ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("archive: history %s: %w", targetID, err)
	}
	out := make([]chat.Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, chat.Message{
			ID:            r.MsgID,
			Sender:        r.Sender,
			Body:          r.Body,
			Time:          r.Time,
			Self:          r.Self,
			HistoryOrigin: r.HistoryOrigin,
		})
	}
	return out, nil
}

// Prune keeps only the newest keep records per target. Run on a schedule.
func (a *Archive) Prune(keep int) error {
	var targets []string
	if err := a.db.Model(&Record{}).Distinct().Pluck("target_id", &targets).Error; err != nil {
		return fmt.Errorf("archive: prune scan: %w", err)
	}
	for _, t := range targets {
		newest := a.db.Model(&Record{}).Select("id").
			Where("target_id = ?", t).
			Order("time DESC").
			Limit(keep)
		err := a.db.Where("target_id = ? AND id NOT IN (?)", t, newest).Delete(&Record{}).Error
		if err != nil {
			return fmt.Errorf("archive: prune %s: %w", t, err)
		}
	}
	return nil
}

// Close stops the worker, then flushes whatever was still buffered.
func (a *Archive) Close() {
	a.cancel()
	<-a.done
	for {
		select {
		case rec := <-a.inbox:
			if err := a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
				a.log.Warn("archive flush failed", zap.Error(err))
			}
		default:
			return
		}
	}
}
