package rental

import (
	"context"
	"fmt"
	"strings"
)

// AmountCents is a signed integer currency amount in minor units.
type AmountCents int64

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// PositiveAmountCents is an amount validated to be strictly positive.
type PositiveAmountCents int64

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// ToAmountCents widens the amount into the signed type.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// Int64 returns the raw amount.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// UserID identifies a registered user.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// BatteryID identifies a battery unit.
type BatteryID struct {
	value string
}

// NewBatteryID validates and normalizes a battery id.
func NewBatteryID(raw string) (BatteryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return BatteryID{}, fmt.Errorf("%w: empty value", ErrInvalidBatteryID)
	}
	return BatteryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id BatteryID) String() string {
	return id.value
}

// StationID identifies a rental station.
type StationID struct {
	value string
}

// NewStationID validates and normalizes a station id.
func NewStationID(raw string) (StationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return StationID{}, fmt.Errorf("%w: empty value", ErrInvalidStationID)
	}
	return StationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id StationID) String() string {
	return id.value
}

// RentalID identifies a rental record.
type RentalID struct {
	value string
}

// NewRentalID validates and normalizes a rental id.
func NewRentalID(raw string) (RentalID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RentalID{}, fmt.Errorf("%w: empty value", ErrInvalidRentalID)
	}
	return RentalID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id RentalID) String() string {
	return id.value
}

// EmailAddress is a normalized user email.
type EmailAddress struct {
	value string
}

// NewEmailAddress validates and normalizes an email address.
func NewEmailAddress(raw string) (EmailAddress, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return EmailAddress{}, fmt.Errorf("%w: empty value", ErrInvalidEmail)
	}
	atIndex := strings.Index(trimmed, "@")
	if atIndex <= 0 || atIndex == len(trimmed)-1 {
		return EmailAddress{}, fmt.Errorf("%w: %q", ErrInvalidEmail, trimmed)
	}
	return EmailAddress{value: trimmed}, nil
}

// String returns the normalized address.
func (email EmailAddress) String() string {
	return email.value
}

// Serial is a battery serial number, unique per fleet.
type Serial struct {
	value string
}

// NewSerial validates and normalizes a battery serial.
func NewSerial(raw string) (Serial, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return Serial{}, fmt.Errorf("%w: empty value", ErrInvalidSerial)
	}
	return Serial{value: trimmed}, nil
}

// String returns the normalized serial.
func (serial Serial) String() string {
	return serial.value
}

// ChargeLevel is a battery charge percentage between 0 and 100.
type ChargeLevel int

// NewChargeLevel validates a charge percentage.
func NewChargeLevel(raw int) (ChargeLevel, error) {
	if raw < 0 || raw > 100 {
		return 0, fmt.Errorf("%w: %d is outside 0..100", ErrInvalidChargeLevel, raw)
	}
	return ChargeLevel(raw), nil
}

// Int returns the raw percentage.
func (level ChargeLevel) Int() int {
	return int(level)
}

// RentalStatus defines the rental lifecycle.
type RentalStatus string

const (
	RentalStatusOngoing  RentalStatus = "ongoing"
	RentalStatusReturned RentalStatus = "returned"
	// RentalStatusCancelled is reachable in the schema but never produced.
	RentalStatusCancelled RentalStatus = "cancelled"
)

// ParseRentalStatus validates a stored status value.
func ParseRentalStatus(raw string) (RentalStatus, error) {
	switch RentalStatus(raw) {
	case RentalStatusOngoing, RentalStatusReturned, RentalStatusCancelled:
		return RentalStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRentalStatus, raw)
}

// String returns the stored representation.
func (status RentalStatus) String() string {
	return string(status)
}

// ChangeReason enumerates balance change kinds.
type ChangeReason string

const (
	ChangeReasonTopUp        ChangeReason = "top_up"
	ChangeReasonRentalCharge ChangeReason = "rental_charge"
)

// ParseChangeReason validates a stored reason value.
func ParseChangeReason(raw string) (ChangeReason, error) {
	switch ChangeReason(raw) {
	case ChangeReasonTopUp, ChangeReasonRentalCharge:
		return ChangeReason(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChangeReason, raw)
}

// String returns the stored representation.
func (reason ChangeReason) String() string {
	return string(reason)
}

// User is a registered account with a prepaid balance.
type User struct {
	UserID         UserID
	Email          EmailAddress
	PasswordHash   string
	BalanceCents   AmountCents
	CreatedUnixUTC int64
}

// Station is a physical rental stand.
type Station struct {
	StationID StationID
	Name      string
	Location  string
	Latitude  *float64
	Longitude *float64
}

// Battery is a rentable unit. A nil StationID means checked out or in transit.
type Battery struct {
	BatteryID   BatteryID
	Serial      Serial
	StationID   *StationID
	Available   bool
	ChargeLevel ChargeLevel
	ExtraInfo   string
}

// Rental is one borrow/return cycle. EndUnixUTC is zero and PriceCents nil
// while the rental is ongoing; both are set together on return.
type Rental struct {
	RentalID     RentalID
	UserID       UserID
	BatteryID    BatteryID
	StartUnixUTC int64
	EndUnixUTC   int64
	Status       RentalStatus
	PriceCents   *AmountCents
}

// BalanceChange is one line of the append-only balance audit trail.
type BalanceChange struct {
	ChangeID       string
	UserID         UserID
	AmountCents    AmountCents
	Reason         ChangeReason
	RentalID       *RentalID
	MetadataJSON   string
	CreatedUnixUTC int64
}

// NewUserParams carries the fields of a user insert.
type NewUserParams struct {
	Email               EmailAddress
	PasswordHash        string
	InitialBalanceCents AmountCents
}

// NewStationParams carries the fields of a station insert.
type NewStationParams struct {
	Name      string
	Location  string
	Latitude  *float64
	Longitude *float64
}

// NewBatteryParams carries the fields of a battery insert.
type NewBatteryParams struct {
	Serial      Serial
	StationID   *StationID
	ChargeLevel ChargeLevel
	ExtraInfo   string
}

// RentalInput carries the fields of a rental insert; the stored row starts
// in status ongoing with no end time and no price.
type RentalInput struct {
	UserID       UserID
	BatteryID    BatteryID
	StartUnixUTC int64
}

// BalanceChangeInput carries the fields of a balance change insert.
type BalanceChangeInput struct {
	UserID         UserID
	AmountCents    AmountCents
	Reason         ChangeReason
	RentalID       *RentalID
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Store is the persistence contract used by Service. WithTx runs fn inside
// one storage transaction: fn's writes commit together on normal return and
// roll back together on error. ClaimBattery, ReleaseBattery, and CloseRental
// are conditional updates — they mutate the row only when it is still in the
// expected prior state and report a conflict otherwise, which is the sole
// concurrency-control mechanism between independent service instances.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateUser(ctx context.Context, params NewUserParams) (User, error)
	GetUser(ctx context.Context, userID UserID) (User, error)
	GetUserByEmail(ctx context.Context, email EmailAddress) (User, error)
	AdjustBalance(ctx context.Context, userID UserID, deltaCents AmountCents) error

	CreateStation(ctx context.Context, params NewStationParams) (Station, error)
	ListStations(ctx context.Context) ([]Station, error)

	CreateBattery(ctx context.Context, params NewBatteryParams) (Battery, error)
	GetBattery(ctx context.Context, batteryID BatteryID) (Battery, error)
	ListStationBatteries(ctx context.Context, stationID StationID) ([]Battery, error)
	ClaimBattery(ctx context.Context, batteryID BatteryID) error
	ReleaseBattery(ctx context.Context, batteryID BatteryID) error

	CreateRental(ctx context.Context, input RentalInput) (Rental, error)
	GetRental(ctx context.Context, rentalID RentalID) (Rental, error)
	CloseRental(ctx context.Context, rentalID RentalID, endUnixUTC int64, priceCents AmountCents) error

	InsertBalanceChange(ctx context.Context, input BalanceChangeInput) error
	ListBalanceChanges(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]BalanceChange, error)
	SumBalanceChanges(ctx context.Context, userID UserID) (AmountCents, error)
}
