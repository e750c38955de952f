package gormstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/powerbank/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/powerbank/pkg/rental"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(t.TempDir()+"/powerbank.db"), &gorm.Config{})
	if err != nil {
		t.Fatalf("sqlite open failed: %v", err)
	}
	if err := gormstore.Migrate(database); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return gormstore.New(database)
}

func createUser(t *testing.T, store *gormstore.Store, email string, balanceCents int64) rental.User {
	t.Helper()
	address, err := rental.NewEmailAddress(email)
	if err != nil {
		t.Fatalf("email: %v", err)
	}
	user, err := store.CreateUser(context.Background(), rental.NewUserParams{
		Email:               address,
		PasswordHash:        "hash",
		InitialBalanceCents: rental.AmountCents(balanceCents),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func createBattery(t *testing.T, store *gormstore.Store, serial string) rental.Battery {
	t.Helper()
	parsedSerial, err := rental.NewSerial(serial)
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	chargeLevel, err := rental.NewChargeLevel(90)
	if err != nil {
		t.Fatalf("charge level: %v", err)
	}
	battery, err := store.CreateBattery(context.Background(), rental.NewBatteryParams{
		Serial:      parsedSerial,
		ChargeLevel: chargeLevel,
	})
	if err != nil {
		t.Fatalf("create battery: %v", err)
	}
	return battery
}

func TestCreateUserAssignsIDAndRejectsDuplicates(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	user := createUser(t, store, "alice@example.com", 500)
	if user.UserID.String() == "" {
		t.Fatalf("expected generated user id")
	}
	if user.BalanceCents != 500 {
		t.Fatalf("expected balance 500, got %d", user.BalanceCents)
	}

	address, err := rental.NewEmailAddress("alice@example.com")
	if err != nil {
		t.Fatalf("email: %v", err)
	}
	_, err = store.CreateUser(context.Background(), rental.NewUserParams{Email: address, PasswordHash: "other"})
	if !errors.Is(err, rental.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	fetched, err := store.GetUserByEmail(context.Background(), address)
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if fetched.UserID != user.UserID {
		t.Fatalf("expected the original user back, got %s", fetched.UserID.String())
	}
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	userID, err := rental.NewUserID("missing")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	_, err = store.GetUser(context.Background(), userID)
	if !errors.Is(err, rental.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAdjustBalanceAppliesDelta(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	user := createUser(t, store, "balance@example.com", 100)

	if err := store.AdjustBalance(context.Background(), user.UserID, 250); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.AdjustBalance(context.Background(), user.UserID, -400); err != nil {
		t.Fatalf("debit: %v", err)
	}

	fetched, err := store.GetUser(context.Background(), user.UserID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fetched.BalanceCents != -50 {
		t.Fatalf("expected balance -50, got %d", fetched.BalanceCents)
	}

	missingID, err := rental.NewUserID("missing")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if err := store.AdjustBalance(context.Background(), missingID, 10); !errors.Is(err, rental.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCreateBatteryRejectsDuplicateSerial(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	createBattery(t, store, "DUP-1")

	serial, err := rental.NewSerial("DUP-1")
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	chargeLevel, err := rental.NewChargeLevel(50)
	if err != nil {
		t.Fatalf("charge level: %v", err)
	}
	_, err = store.CreateBattery(context.Background(), rental.NewBatteryParams{Serial: serial, ChargeLevel: chargeLevel})
	if !errors.Is(err, rental.ErrDuplicateSerial) {
		t.Fatalf("expected ErrDuplicateSerial, got %v", err)
	}
}

func TestClaimBatteryIsConditional(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	battery := createBattery(t, store, "CLAIM-1")

	if err := store.ClaimBattery(context.Background(), battery.BatteryID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := store.ClaimBattery(context.Background(), battery.BatteryID); !errors.Is(err, rental.ErrBatteryUnavailable) {
		t.Fatalf("expected ErrBatteryUnavailable on second claim, got %v", err)
	}

	fetched, err := store.GetBattery(context.Background(), battery.BatteryID)
	if err != nil {
		t.Fatalf("get battery: %v", err)
	}
	if fetched.Available {
		t.Fatalf("expected battery to be claimed")
	}

	if err := store.ReleaseBattery(context.Background(), battery.BatteryID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.ReleaseBattery(context.Background(), battery.BatteryID); !errors.Is(err, rental.ErrBatteryNotClaimed) {
		t.Fatalf("expected ErrBatteryNotClaimed on second release, got %v", err)
	}
}

func TestRentalLifecycleRows(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	user := createUser(t, store, "rental@example.com", 500)
	battery := createBattery(t, store, "RENT-1")

	opened, err := store.CreateRental(context.Background(), rental.RentalInput{
		UserID:       user.UserID,
		BatteryID:    battery.BatteryID,
		StartUnixUTC: 1_000,
	})
	if err != nil {
		t.Fatalf("create rental: %v", err)
	}
	if opened.Status != rental.RentalStatusOngoing {
		t.Fatalf("expected ongoing rental, got %s", opened.Status)
	}
	if opened.PriceCents != nil || opened.EndUnixUTC != 0 {
		t.Fatalf("expected open rental without settlement fields, got %+v", opened)
	}

	if err := store.CloseRental(context.Background(), opened.RentalID, 1_120, 20); err != nil {
		t.Fatalf("close rental: %v", err)
	}
	if err := store.CloseRental(context.Background(), opened.RentalID, 1_180, 30); !errors.Is(err, rental.ErrRentalClosed) {
		t.Fatalf("expected ErrRentalClosed on second close, got %v", err)
	}

	closed, err := store.GetRental(context.Background(), opened.RentalID)
	if err != nil {
		t.Fatalf("get rental: %v", err)
	}
	if closed.Status != rental.RentalStatusReturned {
		t.Fatalf("expected returned rental, got %s", closed.Status)
	}
	if closed.EndUnixUTC != 1_120 {
		t.Fatalf("expected end 1120, got %d", closed.EndUnixUTC)
	}
	if closed.PriceCents == nil || *closed.PriceCents != 20 {
		t.Fatalf("expected stored price 20, got %+v", closed.PriceCents)
	}
}

func TestGetRentalNotFound(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	rentalID, err := rental.NewRentalID("missing")
	if err != nil {
		t.Fatalf("rental id: %v", err)
	}
	_, err = store.GetRental(context.Background(), rentalID)
	if !errors.Is(err, rental.ErrRentalNotFound) {
		t.Fatalf("expected ErrRentalNotFound, got %v", err)
	}
}

func TestBalanceChangesListAndSum(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	user := createUser(t, store, "audit@example.com", 0)

	amounts := []int64{500, -30, 200}
	for i, amount := range amounts {
		reason := rental.ChangeReasonTopUp
		if amount < 0 {
			reason = rental.ChangeReasonRentalCharge
		}
		err := store.InsertBalanceChange(context.Background(), rental.BalanceChangeInput{
			UserID:         user.UserID,
			AmountCents:    rental.AmountCents(amount),
			Reason:         reason,
			CreatedUnixUTC: 1_000 + int64(i)*60,
		})
		if err != nil {
			t.Fatalf("insert change: %v", err)
		}
	}

	changes, err := store.ListBalanceChanges(context.Background(), user.UserID, 0, 2)
	if err != nil {
		t.Fatalf("list changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes with limit 2, got %d", len(changes))
	}
	if changes[0].AmountCents != 200 || changes[1].AmountCents != -30 {
		t.Fatalf("expected newest-first ordering, got %+v", changes)
	}
	if changes[0].MetadataJSON != "{}" {
		t.Fatalf("expected default metadata, got %q", changes[0].MetadataJSON)
	}

	older, err := store.ListBalanceChanges(context.Background(), user.UserID, 1_060, 10)
	if err != nil {
		t.Fatalf("list older changes: %v", err)
	}
	if len(older) != 1 || older[0].AmountCents != 500 {
		t.Fatalf("expected only the first change before 1060, got %+v", older)
	}

	sum, err := store.SumBalanceChanges(context.Background(), user.UserID)
	if err != nil {
		t.Fatalf("sum changes: %v", err)
	}
	if sum != 670 {
		t.Fatalf("expected sum 670, got %d", sum)
	}
}

func TestSumBalanceChangesEmptyIsZero(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	user := createUser(t, store, "empty@example.com", 0)

	sum, err := store.SumBalanceChanges(context.Background(), user.UserID)
	if err != nil {
		t.Fatalf("sum changes: %v", err)
	}
	if sum != 0 {
		t.Fatalf("expected zero sum, got %d", sum)
	}
}

func TestStationsAndAssignments(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)

	latitude := 35.681236
	longitude := 139.767125
	station, err := store.CreateStation(context.Background(), rental.NewStationParams{
		Name:      "Central",
		Location:  "Main street 1",
		Latitude:  &latitude,
		Longitude: &longitude,
	})
	if err != nil {
		t.Fatalf("create station: %v", err)
	}
	if _, err := store.CreateStation(context.Background(), rental.NewStationParams{Name: "Annex"}); err != nil {
		t.Fatalf("create station: %v", err)
	}

	stations, err := store.ListStations(context.Background())
	if err != nil {
		t.Fatalf("list stations: %v", err)
	}
	if len(stations) != 2 {
		t.Fatalf("expected 2 stations, got %d", len(stations))
	}
	if stations[0].Name != "Annex" || stations[1].Name != "Central" {
		t.Fatalf("expected name ordering, got %+v", stations)
	}
	if stations[1].Latitude == nil || *stations[1].Latitude != latitude {
		t.Fatalf("expected stored latitude, got %+v", stations[1].Latitude)
	}

	serial, err := rental.NewSerial("ST-1")
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	chargeLevel, err := rental.NewChargeLevel(75)
	if err != nil {
		t.Fatalf("charge level: %v", err)
	}
	stationID := station.StationID
	if _, err := store.CreateBattery(context.Background(), rental.NewBatteryParams{
		Serial:      serial,
		StationID:   &stationID,
		ChargeLevel: chargeLevel,
	}); err != nil {
		t.Fatalf("create battery: %v", err)
	}
	createBattery(t, store, "LOOSE-1")

	batteries, err := store.ListStationBatteries(context.Background(), station.StationID)
	if err != nil {
		t.Fatalf("list station batteries: %v", err)
	}
	if len(batteries) != 1 || batteries[0].Serial.String() != "ST-1" {
		t.Fatalf("expected only the assigned battery, got %+v", batteries)
	}
	if batteries[0].StationID == nil || *batteries[0].StationID != station.StationID {
		t.Fatalf("expected station assignment, got %+v", batteries[0].StationID)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	battery := createBattery(t, store, "TX-1")
	txFailure := errors.New("forced failure")

	err := store.WithTx(context.Background(), func(ctx context.Context, txStore rental.Store) error {
		if err := txStore.ClaimBattery(ctx, battery.BatteryID); err != nil {
			return err
		}
		return txFailure
	})
	if !errors.Is(err, txFailure) {
		t.Fatalf("expected the forced failure, got %v", err)
	}

	fetched, err := store.GetBattery(context.Background(), battery.BatteryID)
	if err != nil {
		t.Fatalf("get battery: %v", err)
	}
	if !fetched.Available {
		t.Fatalf("expected the claim to roll back")
	}
}
