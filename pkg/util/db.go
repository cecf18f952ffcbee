package util

import (
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	applog "TrailWatch/pkg/logger"
)

// InitDatabase opens the database selected by driver ("sqlite", "mysql",
// "pg"). An empty sqlite DSN gives a private in-memory database.
func InitDatabase(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  newGormLog(nil, logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
	db, err := createDatabaseInstance(cfg, driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "" || driver == "sqlite" {
		// sqlite 只允许单写
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	applog.Info("database opened", zap.String("driver", driverName(driver)))
	return db, nil
}

func createDatabaseInstance(cfg *gorm.Config, driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "pg":
		return gorm.Open(postgres.Open(dsn), cfg)
	}
	if dsn == "" {
		dsn = "file::memory:"
	}
	return gorm.Open(sqlite.Open(dsn), cfg)
}

func driverName(driver string) string {
	if driver == "" {
		return "sqlite"
	}
	return driver
}
