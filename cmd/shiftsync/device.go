package main

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/shiftsync/internal/config"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/database"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/repository"
	"github.com/MarcoPoloResearchLab/shiftsync/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// device bundles the local database, the sync manager and the entity repositories.
type device struct {
	db        *gorm.DB
	manager   *syncer.Manager
	users     *repository.UserRepository
	locations *repository.LocationRepository
	shifts    *repository.ShiftRepository
	payments  *repository.PaymentRepository
}

func openDevice(ctx context.Context, appConfig config.AppConfig, transmitter syncer.Transmitter, connectivity syncer.Connectivity, logger *zap.Logger) (*device, error) {
	strategy, err := syncer.ParseStrategy(appConfig.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, database.DeviceSchema(), logger)
	if err != nil {
		return nil, err
	}

	storage, err := kvstore.New(kvstore.Config{Database: db})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	manager, err := syncer.NewManager(ctx, syncer.ManagerConfig{
		Storage:         storage,
		Transmitter:     transmitter,
		Connectivity:    connectivity,
		Logger:          logger,
		RequestTimeout:  appConfig.RemoteTimeout,
		DefaultStrategy: strategy,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}

	repoConfig := repository.Config{Database: db, Coordinator: manager, Logger: logger}
	dev := &device{db: db, manager: manager}
	if dev.users, err = repository.NewUserRepository(repoConfig); err != nil {
		return nil, dev.abort(err)
	}
	if dev.locations, err = repository.NewLocationRepository(repoConfig); err != nil {
		return nil, dev.abort(err)
	}
	if dev.shifts, err = repository.NewShiftRepository(repoConfig); err != nil {
		return nil, dev.abort(err)
	}
	if dev.payments, err = repository.NewPaymentRepository(repoConfig); err != nil {
		return nil, dev.abort(err)
	}
	manager.RegisterStore(dev.users)
	manager.RegisterStore(dev.locations)
	manager.RegisterStore(dev.shifts)
	manager.RegisterStore(dev.payments)
	return dev, nil
}

func (d *device) abort(cause error) error {
	d.manager.Close()
	return errors.Join(cause, database.Close(d.db))
}

func (d *device) Close() error {
	d.manager.Close()
	return database.Close(d.db)
}
