package rental

import "context"

// Wallet is the balance view returned to a user: the stored balance plus the
// most recent balance changes.
type Wallet struct {
	BalanceCents AmountCents
	Changes      []BalanceChange
}

// AuditReport compares the stored balance against the balance-change trail.
// Registration credits every opening balance through a top-up change, so the
// two must agree at every committed state.
type AuditReport struct {
	StoredBalanceCents AmountCents
	ChangeSumCents     AmountCents
	Consistent         bool
}

// RegisterUser creates an account. The opening balance is applied as a
// regular top-up change in the same transaction, keeping the audit trail
// complete from the first committed state.
func (service *Service) RegisterUser(ctx context.Context, email EmailAddress, passwordHash string, openingBalanceCents AmountCents) (User, error) {
	var user User
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		created, err := transactionStore.CreateUser(ctx, NewUserParams{
			Email:        email,
			PasswordHash: passwordHash,
		})
		if err != nil {
			return err
		}
		user = created
		if openingBalanceCents <= 0 {
			return nil
		}
		if err := transactionStore.AdjustBalance(ctx, created.UserID, openingBalanceCents); err != nil {
			return err
		}
		if err := transactionStore.InsertBalanceChange(ctx, BalanceChangeInput{
			UserID:         created.UserID,
			AmountCents:    openingBalanceCents,
			Reason:         ChangeReasonTopUp,
			MetadataJSON:   `{"source":"signup"}`,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		user.BalanceCents = openingBalanceCents
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationRegister,
		UserID:      user.UserID,
		AmountCents: openingBalanceCents,
		Error:       operationError,
	})
	return user, operationError
}

// TopUp credits the user's balance and appends the matching audit record.
func (service *Service) TopUp(ctx context.Context, userID UserID, amount PositiveAmountCents) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if _, err := transactionStore.GetUser(ctx, userID); err != nil {
			return err
		}
		if err := transactionStore.AdjustBalance(ctx, userID, amount.ToAmountCents()); err != nil {
			return err
		}
		return transactionStore.InsertBalanceChange(ctx, BalanceChangeInput{
			UserID:         userID,
			AmountCents:    amount.ToAmountCents(),
			Reason:         ChangeReasonTopUp,
			CreatedUnixUTC: service.nowFn(),
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationTopUp,
		UserID:      userID,
		AmountCents: amount.ToAmountCents(),
		Error:       operationError,
	})
	return operationError
}

// Wallet returns the stored balance with recent balance changes.
func (service *Service) Wallet(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) (Wallet, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return Wallet{}, err
	}
	changes, err := service.store.ListBalanceChanges(ctx, userID, beforeUnixUTC, limit)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{BalanceCents: user.BalanceCents, Changes: changes}, nil
}

// AuditBalance checks the stored balance against the sum of all balance
// changes for the user.
func (service *Service) AuditBalance(ctx context.Context, userID UserID) (AuditReport, error) {
	user, err := service.store.GetUser(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	changeSum, err := service.store.SumBalanceChanges(ctx, userID)
	if err != nil {
		return AuditReport{}, err
	}
	return AuditReport{
		StoredBalanceCents: user.BalanceCents,
		ChangeSumCents:     changeSum,
		Consistent:         user.BalanceCents == changeSum,
	}, nil
}

// AddStation registers a rental stand. Fleet fields are administrative and
// never touched by the rent/return transactions.
func (service *Service) AddStation(ctx context.Context, params NewStationParams) (Station, error) {
	if params.Name == "" {
		return Station{}, ErrInvalidStationName
	}
	return service.store.CreateStation(ctx, params)
}

// AddBattery registers a battery, available by default.
func (service *Service) AddBattery(ctx context.Context, params NewBatteryParams) (Battery, error) {
	return service.store.CreateBattery(ctx, params)
}

// ListStations returns all stations.
func (service *Service) ListStations(ctx context.Context) ([]Station, error) {
	return service.store.ListStations(ctx)
}

// StationBatteries returns the batteries currently assigned to a station.
func (service *Service) StationBatteries(ctx context.Context, stationID StationID) ([]Battery, error) {
	return service.store.ListStationBatteries(ctx, stationID)
}
