package postgres

import (
	"context"
	"fmt"

	"github.com/upb/llm-mirror-router/config"
	"github.com/upb/llm-mirror-router/repositories"
	"go.uber.org/zap"
)

// RepositoryFactory creates and manages the ledger repositories
type RepositoryFactory struct {
	db         *DB
	initSchema bool
	logger     *zap.Logger
}

// NewRepositoryFactory opens the ledger database
func NewRepositoryFactory(cfg *config.DatabaseConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database is not configured")
	}
	db, err := NewDB(*cfg, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, initSchema: cfg.InitSchema, logger: logger}, nil
}

// NewRepositoryFactoryFromDB adopts an open pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	return &RepositoryFactory{db: db, logger: logger}
}

// Prepare creates the ledger tables when schema initialization is enabled
func (f *RepositoryFactory) Prepare(ctx context.Context) error {
	if !f.initSchema {
		return nil
	}
	return f.db.InitSchema(ctx)
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Usage:     NewUsageRepository(f.db, f.logger),
		Decisions: NewDecisionRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
