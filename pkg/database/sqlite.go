package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"wallet-txengine/pkg/logger"
)

// ConnectSQLite 单机/开发模式使用的纯 Go sqlite
// path 传 "file::memory:?cache=shared" 可以得到内存库
func ConnectSQLite(path string, debug bool) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormLogger(debug),
	})
	if err != nil {
		return nil, fmt.Errorf("无法打开 sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// sqlite 只允许单写
	sqlDB.SetMaxOpenConns(1)

	logger.Info("SQLite 打开成功")
	return db, nil
}
