package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/stocksage/stocksage/gateway/internal/domain/service"
	"github.com/stocksage/stocksage/gateway/pkg/safego"
)

// TurnLog is one append-only usage row. Nothing on the request path reads
// this table; it exists for offline accounting.
type TurnLog struct {
	ID             string    `gorm:"primaryKey;size:64"`
	TS             time.Time `gorm:"index"`
	UserID         string    `gorm:"index;size:64"`
	ConversationID string    `gorm:"index;size:64"`
	Role           string    `gorm:"size:16;not null"`
	ToolName       string    `gorm:"size:64"`
	Tokens         int
	Model          string `gorm:"size:128"`
}

// TableName pins the table name.
func (TurnLog) TableName() string {
	return "turn_logs"
}

// writeBatchMax caps how many queued rows one INSERT carries.
const writeBatchMax = 64

// Sink buffers usage rows and writes them from a single background
// goroutine. Record never blocks: when the queue is full the oldest queued
// row is dropped to make room and counted, so a slow database degrades the
// log, never the chat path.
type Sink struct {
	db      *gorm.DB
	logger  *zap.Logger
	queue   chan TurnLog
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

var _ service.TurnAuditor = (*Sink)(nil)

// NewSink starts the writer. queueSize bounds the in-memory backlog.
func NewSink(db *gorm.DB, queueSize int, logger *zap.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := newSink(db, queueSize, logger)
	safego.Go(logger, "turnlog-writer", s.run)
	return s
}

func newSink(db *gorm.DB, queueSize int, logger *zap.Logger) *Sink {
	return &Sink{
		db:      db,
		logger:  logger.With(zap.String("component", "turnlog")),
		queue:   make(chan TurnLog, queueSize),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Record enqueues rows for the background writer.
func (s *Sink) Record(rows ...service.TurnRow) {
	for _, r := range rows {
		s.enqueue(TurnLog{
			ID:             uuid.NewString(),
			TS:             time.Now().UTC(),
			UserID:         r.UserID,
			ConversationID: r.ConversationID,
			Role:           string(r.Role),
			ToolName:       r.ToolName,
			Tokens:         r.Tokens,
			Model:          r.Model,
		})
	}
}

func (s *Sink) enqueue(row TurnLog) {
	select {
	case s.queue <- row:
		return
	default:
	}

	// Full queue: evict the oldest so the newest survives.
	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- row:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports rows lost to queue overflow since startup.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops the writer after flushing whatever is queued.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	select {
	case <-s.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.drained)
	for {
		select {
		case row := <-s.queue:
			s.flush(s.batch(row))
		case <-s.done:
			for {
				select {
				case row := <-s.queue:
					s.flush(s.batch(row))
				default:
					return
				}
			}
		}
	}
}

// batch greedily drains queued rows behind first so bursts become one INSERT.
func (s *Sink) batch(first TurnLog) []TurnLog {
	rows := make([]TurnLog, 1, writeBatchMax)
	rows[0] = first
	for len(rows) < writeBatchMax {
		select {
		case row := <-s.queue:
			rows = append(rows, row)
		default:
			return rows
		}
	}
	return rows
}

func (s *Sink) flush(rows []TurnLog) {
	if err := s.db.Create(&rows).Error; err != nil {
		s.logger.Warn("Turn log write failed",
			zap.Int("rows", len(rows)),
			zap.Error(err),
		)
	}
}
