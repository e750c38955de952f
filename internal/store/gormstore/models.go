package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	UserID       string    `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"not null;index:uniq_users_email,unique"`
	PasswordHash string    `gorm:"not null"`
	BalanceCents int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// Station represents the stations table.
type Station struct {
	StationID string   `gorm:"type:uuid;primaryKey"`
	Name      string   `gorm:"not null"`
	Location  *string  `gorm:""`
	Latitude  *float64 `gorm:""`
	Longitude *float64 `gorm:""`
}

func (Station) TableName() string { return "stations" }

func (station *Station) BeforeCreate(tx *gorm.DB) error {
	if station.StationID == "" {
		station.StationID = uuid.NewString()
	}
	return nil
}

// Battery represents the batteries table. A null station id means the unit
// is checked out or in transit.
type Battery struct {
	BatteryID   string  `gorm:"type:uuid;primaryKey"`
	Serial      string  `gorm:"not null;index:uniq_batteries_serial,unique"`
	StationID   *string `gorm:"type:uuid;index:idx_batteries_station"`
	Available   bool    `gorm:"not null;default:true"`
	ChargeLevel int     `gorm:"not null;default:100"`
	ExtraInfo   *string `gorm:""`
}

func (Battery) TableName() string { return "batteries" }

func (battery *Battery) BeforeCreate(tx *gorm.DB) error {
	if battery.BatteryID == "" {
		battery.BatteryID = uuid.NewString()
	}
	return nil
}

// Rental mirrors the rentals table. EndAt and PriceCents stay null while the
// rental is ongoing and are written together on return.
type Rental struct {
	RentalID   string     `gorm:"type:uuid;primaryKey"`
	UserID     string     `gorm:"type:uuid;not null;index:idx_rentals_user"`
	BatteryID  string     `gorm:"type:uuid;not null;index:idx_rentals_battery"`
	StartAt    time.Time  `gorm:"not null"`
	EndAt      *time.Time `gorm:""`
	Status     string     `gorm:"not null;index:idx_rentals_status"`
	PriceCents *int64     `gorm:""`
}

func (Rental) TableName() string { return "rentals" }

func (rental *Rental) BeforeCreate(tx *gorm.DB) error {
	if rental.RentalID == "" {
		rental.RentalID = uuid.NewString()
	}
	return nil
}

// BalanceChange mirrors the balance_changes table, the append-only audit
// trail of every balance mutation.
type BalanceChange struct {
	ChangeID    string         `gorm:"type:uuid;primaryKey"`
	UserID      string         `gorm:"type:uuid;not null;index:idx_balance_changes_user_created,priority:1"`
	AmountCents int64          `gorm:"not null"`
	Reason      string         `gorm:"not null"`
	RentalID    *string        `gorm:"type:uuid"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_balance_changes_user_created,priority:2"`
}

func (BalanceChange) TableName() string { return "balance_changes" }

func (change *BalanceChange) BeforeCreate(tx *gorm.DB) error {
	if change.ChangeID == "" {
		change.ChangeID = uuid.NewString()
	}
	return nil
}
