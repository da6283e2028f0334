package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Crash represents a record in the public.crashes table. A signature is recorded once no matter
// how many campaigns find it.
type Crash struct {
	ID         int       `gorm:"primaryKey;column:id"`
	CampaignID string    `gorm:"column:campaign_id;not null;index"`
	Signature  string    `gorm:"column:signature;not null;uniqueIndex"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()"`
	Path       string    `gorm:"column:path;not null"`
	Target     string    `gorm:"column:target;not null"`
	Rule       string    `gorm:"column:rule;not null"`
	Detail     string    `gorm:"column:detail"`
	Status     string    `gorm:"column:status"`
	Metric     Metric    `gorm:"column:metric;type:jsonb"`
}

// Metric represents the jsonb field in the crashes table
type Metric map[string]any

// Value implements the driver.Valuer interface for the Metric type
func (m Metric) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for the Metric type
func (m *Metric) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(bytes, &m)
}
