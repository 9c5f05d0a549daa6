package bootstrap

import (
	"context"
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"civicsync/internal/bootstrap/config"
	"civicsync/internal/bootstrap/logging"
	"civicsync/internal/errs"
	"civicsync/internal/infrastructure/connectivity"
	"civicsync/internal/infrastructure/dispatch"
	"civicsync/internal/infrastructure/persistence/sqlite/model"
	"civicsync/internal/ports"
	"civicsync/internal/usecase/offline"
)

type App struct {
	Config config.Config
	// DB is nil unless database.driver is sqlite.
	DB      *gorm.DB
	Store   ports.KVStore
	Runtime *offline.Runtime
	// Dispatcher is nil when no API base url is configured.
	Dispatcher *dispatch.HTTPDispatcher
	Registry   *prometheus.Registry
	// Manual is set in manual connectivity mode so commands can flip the state.
	Manual *connectivity.ManualProvider
}

func (a *App) InitSchema(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}

	logCtx := logging.WithComponent(ctx, "bootstrap.app")
	if a.DB == nil {
		logging.Info(logCtx, "schema migration skipped", slog.String("database_driver", a.Config.Database.Driver))
		return nil
	}

	logging.Info(logCtx, "start schema migration")
	if err := a.DB.WithContext(ctx).AutoMigrate(&model.KVEntry{}); err != nil {
		return errs.Wrap(err, "auto migrate schema")
	}

	logging.Info(logCtx, "schema migration completed")
	return nil
}
