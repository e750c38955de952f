package rental

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// stubStore is an in-memory Store. WithTx serializes callers and restores a
// snapshot of the state when fn fails, matching transactional rollback.
type stubStore struct {
	mu sync.Mutex

	users     map[UserID]User
	stations  map[StationID]Station
	batteries map[BatteryID]Battery
	rentals   map[RentalID]Rental
	changes   []BalanceChange

	nextID int

	createUserError    error
	getUserError       error
	adjustBalanceError error
	getBatteryError    error
	claimError         error
	releaseError       error
	createRentalError  error
	getRentalError     error
	closeRentalError   error
	insertChangeError  error
	listChangesError   error
	sumChangesError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		users:     make(map[UserID]User),
		stations:  make(map[StationID]Station),
		batteries: make(map[BatteryID]Battery),
		rentals:   make(map[RentalID]Rental),
	}
}

func (store *stubStore) newID(prefix string) string {
	store.nextID++
	return fmt.Sprintf("%s-%d", prefix, store.nextID)
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		users:     make(map[UserID]User, len(store.users)),
		stations:  make(map[StationID]Station, len(store.stations)),
		batteries: make(map[BatteryID]Battery, len(store.batteries)),
		rentals:   make(map[RentalID]Rental, len(store.rentals)),
		changes:   append([]BalanceChange(nil), store.changes...),
		nextID:    store.nextID,
	}
	for key, value := range store.users {
		clone.users[key] = value
	}
	for key, value := range store.stations {
		clone.stations[key] = value
	}
	for key, value := range store.batteries {
		clone.batteries[key] = value
	}
	for key, value := range store.rentals {
		clone.rentals[key] = value
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.users = saved.users
	store.stations = saved.stations
	store.batteries = saved.batteries
	store.rentals = saved.rentals
	store.changes = saved.changes
	store.nextID = saved.nextID
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) CreateUser(ctx context.Context, params NewUserParams) (User, error) {
	if store.createUserError != nil {
		return User{}, store.createUserError
	}
	for _, existing := range store.users {
		if existing.Email == params.Email {
			return User{}, ErrDuplicateEmail
		}
	}
	userID, err := NewUserID(store.newID("user"))
	if err != nil {
		return User{}, err
	}
	user := User{
		UserID:       userID,
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		BalanceCents: params.InitialBalanceCents,
	}
	store.users[userID] = user
	return user, nil
}

func (store *stubStore) GetUser(ctx context.Context, userID UserID) (User, error) {
	if store.getUserError != nil {
		return User{}, store.getUserError
	}
	user, ok := store.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (store *stubStore) GetUserByEmail(ctx context.Context, email EmailAddress) (User, error) {
	for _, user := range store.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (store *stubStore) AdjustBalance(ctx context.Context, userID UserID, deltaCents AmountCents) error {
	if store.adjustBalanceError != nil {
		return store.adjustBalanceError
	}
	user, ok := store.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.BalanceCents += deltaCents
	store.users[userID] = user
	return nil
}

func (store *stubStore) CreateStation(ctx context.Context, params NewStationParams) (Station, error) {
	stationID, err := NewStationID(store.newID("station"))
	if err != nil {
		return Station{}, err
	}
	station := Station{
		StationID: stationID,
		Name:      params.Name,
		Location:  params.Location,
		Latitude:  params.Latitude,
		Longitude: params.Longitude,
	}
	store.stations[stationID] = station
	return station, nil
}

func (store *stubStore) ListStations(ctx context.Context) ([]Station, error) {
	stations := make([]Station, 0, len(store.stations))
	for _, station := range store.stations {
		stations = append(stations, station)
	}
	return stations, nil
}

func (store *stubStore) CreateBattery(ctx context.Context, params NewBatteryParams) (Battery, error) {
	for _, existing := range store.batteries {
		if existing.Serial == params.Serial {
			return Battery{}, ErrDuplicateSerial
		}
	}
	batteryID, err := NewBatteryID(store.newID("battery"))
	if err != nil {
		return Battery{}, err
	}
	battery := Battery{
		BatteryID:   batteryID,
		Serial:      params.Serial,
		StationID:   params.StationID,
		Available:   true,
		ChargeLevel: params.ChargeLevel,
		ExtraInfo:   params.ExtraInfo,
	}
	store.batteries[batteryID] = battery
	return battery, nil
}

func (store *stubStore) GetBattery(ctx context.Context, batteryID BatteryID) (Battery, error) {
	if store.getBatteryError != nil {
		return Battery{}, store.getBatteryError
	}
	battery, ok := store.batteries[batteryID]
	if !ok {
		return Battery{}, ErrBatteryNotFound
	}
	return battery, nil
}

func (store *stubStore) ListStationBatteries(ctx context.Context, stationID StationID) ([]Battery, error) {
	var batteries []Battery
	for _, battery := range store.batteries {
		if battery.StationID != nil && *battery.StationID == stationID {
			batteries = append(batteries, battery)
		}
	}
	return batteries, nil
}

func (store *stubStore) ClaimBattery(ctx context.Context, batteryID BatteryID) error {
	if store.claimError != nil {
		return store.claimError
	}
	battery, ok := store.batteries[batteryID]
	if !ok || !battery.Available {
		return ErrBatteryUnavailable
	}
	battery.Available = false
	store.batteries[batteryID] = battery
	return nil
}

func (store *stubStore) ReleaseBattery(ctx context.Context, batteryID BatteryID) error {
	if store.releaseError != nil {
		return store.releaseError
	}
	battery, ok := store.batteries[batteryID]
	if !ok || battery.Available {
		return ErrBatteryNotClaimed
	}
	battery.Available = true
	store.batteries[batteryID] = battery
	return nil
}

func (store *stubStore) CreateRental(ctx context.Context, input RentalInput) (Rental, error) {
	if store.createRentalError != nil {
		return Rental{}, store.createRentalError
	}
	rentalID, err := NewRentalID(store.newID("rental"))
	if err != nil {
		return Rental{}, err
	}
	rentalRecord := Rental{
		RentalID:     rentalID,
		UserID:       input.UserID,
		BatteryID:    input.BatteryID,
		StartUnixUTC: input.StartUnixUTC,
		Status:       RentalStatusOngoing,
	}
	store.rentals[rentalID] = rentalRecord
	return rentalRecord, nil
}

func (store *stubStore) GetRental(ctx context.Context, rentalID RentalID) (Rental, error) {
	if store.getRentalError != nil {
		return Rental{}, store.getRentalError
	}
	rentalRecord, ok := store.rentals[rentalID]
	if !ok {
		return Rental{}, ErrRentalNotFound
	}
	return rentalRecord, nil
}

func (store *stubStore) CloseRental(ctx context.Context, rentalID RentalID, endUnixUTC int64, priceCents AmountCents) error {
	if store.closeRentalError != nil {
		return store.closeRentalError
	}
	rentalRecord, ok := store.rentals[rentalID]
	if !ok || rentalRecord.Status != RentalStatusOngoing {
		return ErrRentalClosed
	}
	rentalRecord.Status = RentalStatusReturned
	rentalRecord.EndUnixUTC = endUnixUTC
	rentalRecord.PriceCents = &priceCents
	store.rentals[rentalID] = rentalRecord
	return nil
}

func (store *stubStore) InsertBalanceChange(ctx context.Context, input BalanceChangeInput) error {
	if store.insertChangeError != nil {
		return store.insertChangeError
	}
	store.changes = append(store.changes, BalanceChange{
		ChangeID:       store.newID("change"),
		UserID:         input.UserID,
		AmountCents:    input.AmountCents,
		Reason:         input.Reason,
		RentalID:       input.RentalID,
		MetadataJSON:   input.MetadataJSON,
		CreatedUnixUTC: input.CreatedUnixUTC,
	})
	return nil
}

func (store *stubStore) ListBalanceChanges(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]BalanceChange, error) {
	if store.listChangesError != nil {
		return nil, store.listChangesError
	}
	var out []BalanceChange
	for i := len(store.changes) - 1; i >= 0; i-- {
		change := store.changes[i]
		if change.UserID != userID {
			continue
		}
		if beforeUnixUTC > 0 && change.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		out = append(out, change)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (store *stubStore) SumBalanceChanges(ctx context.Context, userID UserID) (AmountCents, error) {
	if store.sumChangesError != nil {
		return 0, store.sumChangesError
	}
	var sum AmountCents
	for _, change := range store.changes {
		if change.UserID == userID {
			sum += change.AmountCents
		}
	}
	return sum, nil
}

func (store *stubStore) mustUser(test *testing.T, userID UserID) User {
	test.Helper()
	user, ok := store.users[userID]
	if !ok {
		test.Fatalf("user %s not found", userID.String())
	}
	return user
}

func (store *stubStore) mustBattery(test *testing.T, batteryID BatteryID) Battery {
	test.Helper()
	battery, ok := store.batteries[batteryID]
	if !ok {
		test.Fatalf("battery %s not found", batteryID.String())
	}
	return battery
}

func (store *stubStore) mustRental(test *testing.T, rentalID RentalID) Rental {
	test.Helper()
	rentalRecord, ok := store.rentals[rentalID]
	if !ok {
		test.Fatalf("rental %s not found", rentalID.String())
	}
	return rentalRecord
}

func (store *stubStore) addUser(test *testing.T, email string, balanceCents int64) User {
	test.Helper()
	user, err := store.CreateUser(context.Background(), NewUserParams{
		Email:               mustEmail(test, email),
		PasswordHash:        "hash",
		InitialBalanceCents: AmountCents(balanceCents),
	})
	if err != nil {
		test.Fatalf("create user: %v", err)
	}
	return user
}

func (store *stubStore) addBattery(test *testing.T, serial string) Battery {
	test.Helper()
	battery, err := store.CreateBattery(context.Background(), NewBatteryParams{
		Serial:      mustSerial(test, serial),
		ChargeLevel: mustChargeLevel(test, 90),
	})
	if err != nil {
		test.Fatalf("create battery: %v", err)
	}
	return battery
}

func mustNewService(test *testing.T, store Store, depositCents int64, ratePerMinuteCents int64, now func() int64, options ...ServiceOption) *Service {
	test.Helper()
	pricer, err := NewPerMinutePricer(ratePerMinuteCents)
	if err != nil {
		test.Fatalf("pricer: %v", err)
	}
	service, err := NewService(store, pricer, AmountCents(depositCents), now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustEmail(test *testing.T, raw string) EmailAddress {
	test.Helper()
	value, err := NewEmailAddress(raw)
	if err != nil {
		test.Fatalf("email: %v", err)
	}
	return value
}

func mustSerial(test *testing.T, raw string) Serial {
	test.Helper()
	value, err := NewSerial(raw)
	if err != nil {
		test.Fatalf("serial: %v", err)
	}
	return value
}

func mustChargeLevel(test *testing.T, raw int) ChargeLevel {
	test.Helper()
	value, err := NewChargeLevel(raw)
	if err != nil {
		test.Fatalf("charge level: %v", err)
	}
	return value
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustBatteryID(test *testing.T, raw string) BatteryID {
	test.Helper()
	value, err := NewBatteryID(raw)
	if err != nil {
		test.Fatalf("battery id: %v", err)
	}
	return value
}

func mustRentalID(test *testing.T, raw string) RentalID {
	test.Helper()
	value, err := NewRentalID(raw)
	if err != nil {
		test.Fatalf("rental id: %v", err)
	}
	return value
}

func mustPositiveAmount(test *testing.T, raw int64) PositiveAmountCents {
	test.Helper()
	value, err := NewPositiveAmountCents(raw)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return value
}
