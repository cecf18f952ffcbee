package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"TrailWatch/pkg/errors"
	"TrailWatch/pkg/logger"
	"TrailWatch/pkg/scheduler"
)

type Config struct {
	Driver   string
	Dir      string
	Schedule string
	Keep     int // 保留的备份数量，0 表示不清理
}

// StartBackupScheduler 注册定时备份任务
func StartBackupScheduler(cr *scheduler.Cron, db *gorm.DB, cfg Config) error {
	_, err := cr.AddFunc("sqlite-backup", cfg.Schedule, func(ctx context.Context) {
		dst, err := ExecuteBackup(db, cfg)
		if err != nil {
			logger.Warn("backup failed", zap.Error(err))
			return
		}
		logger.Info("backup completed", zap.String("file", dst))
	})
	return err
}

// ExecuteBackup writes a consistent snapshot of the database into cfg.Dir
// and returns its path. Only sqlite is supported.
func ExecuteBackup(db *gorm.DB, cfg Config) (string, error) {
	if cfg.Driver != "" && cfg.Driver != "sqlite" {
		return "", errors.WithCodef(errors.CodePrecondition, "backup supports sqlite only, got %s", cfg.Driver)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create backup directory")
	}
	dst := filepath.Join(cfg.Dir, fmt.Sprintf("trailwatch_%s.db", time.Now().UTC().Format("20060102_150405.000")))
	// VACUUM INTO 在数据库使用中也能得到一致的快照
	if err := db.Exec("VACUUM INTO ?", dst).Error; err != nil {
		return "", errors.Wrapf(err, "vacuum into %s", dst)
	}
	if cfg.Keep > 0 {
		prune(cfg.Dir, cfg.Keep)
	}
	return dst, nil
}

func prune(dir string, keep int) {
	matches, err := filepath.Glob(filepath.Join(dir, "trailwatch_*.db"))
	if err != nil || len(matches) <= keep {
		return
	}
	sort.Strings(matches)
	for _, f := range matches[:len(matches)-keep] {
		if !strings.HasPrefix(filepath.Base(f), "trailwatch_") {
			continue
		}
		if err := os.Remove(f); err != nil {
			logger.Warn("remove old backup failed", zap.String("file", f), zap.Error(err))
		}
	}
}
