package rental

import (
	"context"
	"fmt"
)

// Service contains the rental lifecycle logic over a Store.
type Service struct {
	store        Store
	pricer       Pricer
	depositCents AmountCents
	nowFn        func() int64
	logger       OperationLogger
}

// NewService wires a Service. depositCents is the minimum balance required
// to start a rental; it is checked at rent time but never debited there.
func NewService(store Store, pricer Pricer, depositCents AmountCents, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if pricer == nil {
		return nil, fmt.Errorf("%w: pricer dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if depositCents < 0 {
		return nil, fmt.Errorf("%w: deposit threshold is negative", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, pricer: pricer, depositCents: depositCents, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Rent claims a battery for the user and opens an ongoing rental. The claim
// is a conditional update inside the same transaction as the rental insert,
// so two concurrent calls on one battery cannot both succeed. The balance is
// only checked against the deposit threshold here; the debit happens at
// settlement.
func (service *Service) Rent(ctx context.Context, userID UserID, batteryID BatteryID) (RentalID, error) {
	var rentalID RentalID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		user, err := transactionStore.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if user.BalanceCents < service.depositCents {
			return ErrInsufficientBalance
		}
		if _, err := transactionStore.GetBattery(ctx, batteryID); err != nil {
			return err
		}
		if err := transactionStore.ClaimBattery(ctx, batteryID); err != nil {
			return err
		}
		rentalRecord, err := transactionStore.CreateRental(ctx, RentalInput{
			UserID:       userID,
			BatteryID:    batteryID,
			StartUnixUTC: service.nowFn(),
		})
		if err != nil {
			return err
		}
		rentalID = rentalRecord.RentalID
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationRent,
		UserID:    userID,
		BatteryID: batteryID,
		RentalID:  rentalID,
		Error:     operationError,
	})
	return rentalID, operationError
}

// Return settles an ongoing rental: it prices the elapsed duration, closes
// the rental, debits the balance, releases the battery, and appends the
// audit record — all in one transaction. The debit may push the balance
// negative; a return is never refused, otherwise the battery could not
// become available again.
func (service *Service) Return(ctx context.Context, rentalID RentalID, userID UserID) (AmountCents, error) {
	var priceCents AmountCents
	var batteryID BatteryID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		rentalRecord, err := transactionStore.GetRental(ctx, rentalID)
		if err != nil {
			return err
		}
		if rentalRecord.UserID != userID {
			return ErrNotRentalOwner
		}
		if rentalRecord.Status != RentalStatusOngoing {
			return ErrRentalClosed
		}
		batteryID = rentalRecord.BatteryID
		endUnixUTC := service.nowFn()
		elapsedSeconds := endUnixUTC - rentalRecord.StartUnixUTC
		if elapsedSeconds < 0 {
			elapsedSeconds = 0
		}
		priceCents = service.pricer.Price(elapsedSeconds)
		if err := transactionStore.CloseRental(ctx, rentalID, endUnixUTC, priceCents); err != nil {
			return err
		}
		if err := transactionStore.AdjustBalance(ctx, userID, -priceCents); err != nil {
			return err
		}
		if err := transactionStore.ReleaseBattery(ctx, batteryID); err != nil {
			return err
		}
		return transactionStore.InsertBalanceChange(ctx, BalanceChangeInput{
			UserID:         userID,
			AmountCents:    -priceCents,
			Reason:         ChangeReasonRentalCharge,
			RentalID:       &rentalID,
			CreatedUnixUTC: endUnixUTC,
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationReturn,
		UserID:      userID,
		BatteryID:   batteryID,
		RentalID:    rentalID,
		AmountCents: priceCents,
		Error:       operationError,
	})
	return priceCents, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
