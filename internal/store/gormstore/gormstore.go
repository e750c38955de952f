package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/powerbank/pkg/rental"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	dialectPostgres       = "postgres"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore = "store"
	errorSubjectUser    = "user"
	errorSubjectStation = "station"
	errorSubjectBattery = "battery"
	errorSubjectRental  = "rental"
	errorSubjectBalance = "balance"
	errorSubjectChange  = "change"
	errorCodeCreate     = "create"
	errorCodeDuplicate  = "duplicate"
	errorCodeGet        = "get"
	errorCodeInsert     = "insert"
	errorCodeInvalid    = "invalid"
	errorCodeList       = "list"
	errorCodeClaim      = "claim"
	errorCodeRelease    = "release"
	errorCodeClose      = "close"
	errorCodeAdjust     = "adjust"
	errorCodeSum        = "sum"
)

// Store implements rental.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the five tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Station{}, &Battery{}, &Rental{}, &BalanceChange{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rental.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateUser(ctx context.Context, params rental.NewUserParams) (rental.User, error) {
	row := User{
		Email:        params.Email.String(),
		PasswordHash: params.PasswordHash,
		BalanceCents: params.InitialBalanceCents.Int64(),
		CreatedAt:    time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeDuplicate, rental.ErrDuplicateEmail)
	}
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	user, err := mapUser(row)
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

func (store *Store) GetUser(ctx context.Context, userID rental.UserID) (rental.User, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, rental.ErrUserNotFound)
		}
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	user, err := mapUser(row)
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

func (store *Store) GetUserByEmail(ctx context.Context, email rental.EmailAddress) (rental.User, error) {
	var row User
	err := store.db.WithContext(ctx).
		Where("email = ?", email.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, rental.ErrUserNotFound)
		}
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	user, err := mapUser(row)
	if err != nil {
		return rental.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return user, nil
}

func (store *Store) AdjustBalance(ctx context.Context, userID rental.UserID, deltaCents rental.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID.String()).
		Update("balance_cents", gorm.Expr("balance_cents + ?", deltaCents.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeAdjust, rental.ErrUserNotFound)
	}
	return nil
}

func (store *Store) CreateStation(ctx context.Context, params rental.NewStationParams) (rental.Station, error) {
	row := Station{
		Name:      params.Name,
		Location:  optionalString(params.Location),
		Latitude:  params.Latitude,
		Longitude: params.Longitude,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return rental.Station{}, wrapStoreError(errorSubjectStation, errorCodeCreate, err)
	}
	station, err := mapStation(row)
	if err != nil {
		return rental.Station{}, wrapStoreError(errorSubjectStation, errorCodeInvalid, err)
	}
	return station, nil
}

func (store *Store) ListStations(ctx context.Context) ([]rental.Station, error) {
	var rows []Station
	if err := store.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectStation, errorCodeList, err)
	}
	stations := make([]rental.Station, 0, len(rows))
	for _, row := range rows {
		station, err := mapStation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectStation, errorCodeInvalid, err)
		}
		stations = append(stations, station)
	}
	return stations, nil
}

func (store *Store) CreateBattery(ctx context.Context, params rental.NewBatteryParams) (rental.Battery, error) {
	var stationID *string
	if params.StationID != nil {
		value := params.StationID.String()
		stationID = &value
	}
	row := Battery{
		Serial:      params.Serial.String(),
		StationID:   stationID,
		Available:   true,
		ChargeLevel: params.ChargeLevel.Int(),
		ExtraInfo:   optionalString(params.ExtraInfo),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return rental.Battery{}, wrapStoreError(errorSubjectBattery, errorCodeDuplicate, rental.ErrDuplicateSerial)
	}
	if err != nil {
		return rental.Battery{}, wrapStoreError(errorSubjectBattery, errorCodeCreate, err)
	}
	battery, err := mapBattery(row)
	if err != nil {
		return rental.Battery{}, wrapStoreError(errorSubjectBattery, errorCodeInvalid, err)
	}
	return battery, nil
}

func (store *Store) GetBattery(ctx context.Context, batteryID rental.BatteryID) (rental.Battery, error) {
	var row Battery
	err := store.db.WithContext(ctx).
		Where("battery_id = ?", batteryID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rental.Battery{}, wrapStoreError(errorSubjectBattery, errorCodeGet, rental.ErrBatteryNotFound)
		}
		return rental.Battery{}, wrapStoreError(errorSubjectBattery, errorCodeGet, err)
	}
	battery, err := mapBattery(row)
	if err != nil {
		return rental.Battery{}, wrapStoreError(errorSubjectBattery, errorCodeInvalid, err)
	}
	return battery, nil
}

func (store *Store) ListStationBatteries(ctx context.Context, stationID rental.StationID) ([]rental.Battery, error) {
	var rows []Battery
	err := store.db.WithContext(ctx).
		Where("station_id = ?", stationID.String()).
		Order("serial").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBattery, errorCodeList, err)
	}
	batteries := make([]rental.Battery, 0, len(rows))
	for _, row := range rows {
		battery, err := mapBattery(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBattery, errorCodeInvalid, err)
		}
		batteries = append(batteries, battery)
	}
	return batteries, nil
}

// ClaimBattery flips available true→false as a conditional update. Zero rows
// affected means another transaction holds the battery; the existence check
// belongs to the caller.
func (store *Store) ClaimBattery(ctx context.Context, batteryID rental.BatteryID) error {
	result := store.db.WithContext(ctx).
		Model(&Battery{}).
		Where("battery_id = ? AND available = ?", batteryID.String(), true).
		Update("available", false)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBattery, errorCodeClaim, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBattery, errorCodeClaim, rental.ErrBatteryUnavailable)
	}
	return nil
}

// ReleaseBattery is the symmetric conditional update, false→true.
func (store *Store) ReleaseBattery(ctx context.Context, batteryID rental.BatteryID) error {
	result := store.db.WithContext(ctx).
		Model(&Battery{}).
		Where("battery_id = ? AND available = ?", batteryID.String(), false).
		Update("available", true)
	if result.Error != nil {
		return wrapStoreError(errorSubjectBattery, errorCodeRelease, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBattery, errorCodeRelease, rental.ErrBatteryNotClaimed)
	}
	return nil
}

func (store *Store) CreateRental(ctx context.Context, input rental.RentalInput) (rental.Rental, error) {
	row := Rental{
		UserID:    input.UserID.String(),
		BatteryID: input.BatteryID.String(),
		StartAt:   time.Unix(input.StartUnixUTC, 0).UTC(),
		Status:    rental.RentalStatusOngoing.String(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return rental.Rental{}, wrapStoreError(errorSubjectRental, errorCodeInsert, err)
	}
	rentalRecord, err := mapRental(row)
	if err != nil {
		return rental.Rental{}, wrapStoreError(errorSubjectRental, errorCodeInvalid, err)
	}
	return rentalRecord, nil
}

func (store *Store) GetRental(ctx context.Context, rentalID rental.RentalID) (rental.Rental, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Rental
	err := query.
		Where("rental_id = ?", rentalID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return rental.Rental{}, wrapStoreError(errorSubjectRental, errorCodeGet, rental.ErrRentalNotFound)
		}
		return rental.Rental{}, wrapStoreError(errorSubjectRental, errorCodeGet, err)
	}
	rentalRecord, err := mapRental(row)
	if err != nil {
		return rental.Rental{}, wrapStoreError(errorSubjectRental, errorCodeInvalid, err)
	}
	return rentalRecord, nil
}

// CloseRental transitions ongoing→returned, writing end time and price in
// the same conditional update. Zero rows affected means the rental already
// left the ongoing state.
func (store *Store) CloseRental(ctx context.Context, rentalID rental.RentalID, endUnixUTC int64, priceCents rental.AmountCents) error {
	endAt := time.Unix(endUnixUTC, 0).UTC()
	price := priceCents.Int64()
	result := store.db.WithContext(ctx).
		Model(&Rental{}).
		Where("rental_id = ? AND status = ?", rentalID.String(), rental.RentalStatusOngoing.String()).
		Updates(map[string]interface{}{
			"status":      rental.RentalStatusReturned.String(),
			"end_at":      &endAt,
			"price_cents": &price,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectRental, errorCodeClose, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectRental, errorCodeClose, rental.ErrRentalClosed)
	}
	return nil
}

func (store *Store) InsertBalanceChange(ctx context.Context, input rental.BalanceChangeInput) error {
	var rentalID *string
	if input.RentalID != nil {
		value := input.RentalID.String()
		rentalID = &value
	}
	row := BalanceChange{
		UserID:      input.UserID.String(),
		AmountCents: input.AmountCents.Int64(),
		Reason:      input.Reason.String(),
		RentalID:    rentalID,
		Metadata:    datatypesJSON(input.MetadataJSON),
		CreatedAt:   time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectChange, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListBalanceChanges(ctx context.Context, userID rental.UserID, beforeUnixUTC int64, limit int) ([]rental.BalanceChange, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []BalanceChange
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectChange, errorCodeList, err)
	}

	changes := make([]rental.BalanceChange, 0, len(rows))
	for _, row := range rows {
		change, err := mapBalanceChange(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectChange, errorCodeInvalid, err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func (store *Store) SumBalanceChanges(ctx context.Context, userID rental.UserID) (rental.AmountCents, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&BalanceChange{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("user_id = ?", userID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectChange, errorCodeSum, err)
	}
	return rental.AmountCents(sum.Total), nil
}

func wrapStoreError(subject string, code string, err error) error {
	return rental.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapUser(row User) (rental.User, error) {
	userID, err := rental.NewUserID(row.UserID)
	if err != nil {
		return rental.User{}, err
	}
	email, err := rental.NewEmailAddress(row.Email)
	if err != nil {
		return rental.User{}, err
	}
	return rental.User{
		UserID:         userID,
		Email:          email,
		PasswordHash:   row.PasswordHash,
		BalanceCents:   rental.AmountCents(row.BalanceCents),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapStation(row Station) (rental.Station, error) {
	stationID, err := rental.NewStationID(row.StationID)
	if err != nil {
		return rental.Station{}, err
	}
	return rental.Station{
		StationID: stationID,
		Name:      row.Name,
		Location:  stringOrEmpty(row.Location),
		Latitude:  row.Latitude,
		Longitude: row.Longitude,
	}, nil
}

func mapBattery(row Battery) (rental.Battery, error) {
	batteryID, err := rental.NewBatteryID(row.BatteryID)
	if err != nil {
		return rental.Battery{}, err
	}
	serial, err := rental.NewSerial(row.Serial)
	if err != nil {
		return rental.Battery{}, err
	}
	chargeLevel, err := rental.NewChargeLevel(row.ChargeLevel)
	if err != nil {
		return rental.Battery{}, err
	}
	var stationID *rental.StationID
	if row.StationID != nil {
		parsedStationID, err := rental.NewStationID(*row.StationID)
		if err != nil {
			return rental.Battery{}, err
		}
		stationID = &parsedStationID
	}
	return rental.Battery{
		BatteryID:   batteryID,
		Serial:      serial,
		StationID:   stationID,
		Available:   row.Available,
		ChargeLevel: chargeLevel,
		ExtraInfo:   stringOrEmpty(row.ExtraInfo),
	}, nil
}

func mapRental(row Rental) (rental.Rental, error) {
	rentalID, err := rental.NewRentalID(row.RentalID)
	if err != nil {
		return rental.Rental{}, err
	}
	userID, err := rental.NewUserID(row.UserID)
	if err != nil {
		return rental.Rental{}, err
	}
	batteryID, err := rental.NewBatteryID(row.BatteryID)
	if err != nil {
		return rental.Rental{}, err
	}
	status, err := rental.ParseRentalStatus(row.Status)
	if err != nil {
		return rental.Rental{}, err
	}
	var priceCents *rental.AmountCents
	if row.PriceCents != nil {
		value := rental.AmountCents(*row.PriceCents)
		priceCents = &value
	}
	return rental.Rental{
		RentalID:     rentalID,
		UserID:       userID,
		BatteryID:    batteryID,
		StartUnixUTC: row.StartAt.Unix(),
		EndUnixUTC:   timeOrZero(row.EndAt),
		Status:       status,
		PriceCents:   priceCents,
	}, nil
}

func mapBalanceChange(row BalanceChange) (rental.BalanceChange, error) {
	userID, err := rental.NewUserID(row.UserID)
	if err != nil {
		return rental.BalanceChange{}, err
	}
	reason, err := rental.ParseChangeReason(row.Reason)
	if err != nil {
		return rental.BalanceChange{}, err
	}
	var rentalID *rental.RentalID
	if row.RentalID != nil {
		parsedRentalID, err := rental.NewRentalID(*row.RentalID)
		if err != nil {
			return rental.BalanceChange{}, err
		}
		rentalID = &parsedRentalID
	}
	return rental.BalanceChange{
		ChangeID:       row.ChangeID,
		UserID:         userID,
		AmountCents:    rental.AmountCents(row.AmountCents),
		Reason:         reason,
		RentalID:       rentalID,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
