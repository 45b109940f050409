package journal

import (
	"context"
	"time"

	"gateway/internal/order"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// Entry is one row of the append-only order journal.
type Entry struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	OrderID      string `gorm:"size:64;index"`
	ExchangeID   string `gorm:"size:64;index"`
	Event        string `gorm:"size:32"`
	Instrument   string `gorm:"size:64;index"`
	FromStatus   string `gorm:"size:32"`
	ToStatus     string `gorm:"size:32"`
	Price        float64
	Amount       float64
	FilledAmount float64
	Payload      string    `gorm:"type:text"`
	OccurredAt   time.Time `gorm:"index"`
	CreatedAt    time.Time
}

func (Entry) TableName() string {
	return "order_journal"
}

// NewEntry converts a committed order event into its journal row.
func NewEntry(e order.Event) (Entry, error) {
	payload, err := sonic.Marshal(e.Message())
	if err != nil {
		return Entry{}, errors.Wrap(err, "marshal order event")
	}

	entry := Entry{
		OrderID:      e.Order.ID,
		ExchangeID:   e.Order.ExchangeID,
		Event:        e.Kind.String(),
		Instrument:   e.Order.Instrument,
		ToStatus:     e.To.String(),
		Price:        e.Order.Price,
		Amount:       e.Order.Amount,
		FilledAmount: e.Order.FilledAmount,
		Payload:      string(payload),
		OccurredAt:   e.At,
	}
	if e.Kind == order.EventStatusChanged {
		entry.FromStatus = e.From.String()
	}
	return entry, nil
}

// Journal writes order events. It is never read back.
type Journal struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Journal {
	return &Journal{db: db}
}

// Migrate creates or updates the journal table.
func (j *Journal) Migrate(ctx context.Context) error {
	if err := j.db.WithContext(ctx).AutoMigrate(&Entry{}); err != nil {
		return errors.Wrap(err, "migrate order journal")
	}
	return nil
}

func (j *Journal) Record(ctx context.Context, e order.Event) error {
	entry, err := NewEntry(e)
	if err != nil {
		return err
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return errors.Wrapf(err, "insert journal entry of %s", e.Order.ID)
	}
	return nil
}
