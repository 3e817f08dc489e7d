package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/sakif/webdeploy/internal/cid"
	"github.com/sakif/webdeploy/internal/config"
	"github.com/sakif/webdeploy/internal/contentstore"
	"github.com/sakif/webdeploy/internal/contentstore/kubo"
	contentlocal "github.com/sakif/webdeploy/internal/contentstore/local"
	"github.com/sakif/webdeploy/internal/ledger"
	"github.com/sakif/webdeploy/internal/ledger/evm"
	ledgerlocal "github.com/sakif/webdeploy/internal/ledger/local"
	"github.com/sakif/webdeploy/internal/namesvc"
	"github.com/sakif/webdeploy/internal/repository"
	"github.com/sakif/webdeploy/internal/repository/postgres"
	sqliteRepo "github.com/sakif/webdeploy/internal/repository/sqlite"
)

// database is what both relational backends provide.
type database interface {
	repository.Store
	Ping(ctx context.Context) error
}

type backends struct {
	db      database
	content contentstore.Store
	ledger  ledger.Client
	names   *namesvc.Service
}

// openBackends opens the database, content store, ledger and name record store
// selected by the configuration. Each one is registered for closing as soon as it
// is open.
func (s *Server) openBackends(ctx context.Context) (*backends, error) {
	var (
		b   backends
		err error
	)

	if b.db, err = s.openDatabase(); err != nil {
		return nil, err
	}
	if b.content, err = s.openContentStore(); err != nil {
		return nil, err
	}
	if b.ledger, err = s.openLedger(ctx); err != nil {
		return nil, err
	}
	if b.names, err = s.openNames(ctx); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Server) openDatabase() (database, error) {
	cfg := s.config

	if cfg.DBDriver == config.DBPostgres {
		db, err := postgres.New(cfg.DatabaseURL, s.logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		s.onClose("postgres", db.Close)
		return db, nil
	}

	if err := ensureDir(filepath.Dir(cfg.DBPath)); err != nil {
		return nil, err
	}
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.onClose("sqlite", db.Close)
	return db, nil
}

func (s *Server) openContentStore() (contentstore.Store, error) {
	cfg := s.config

	if cfg.ContentStore == config.StoreKubo {
		s.logger.Info("using kubo content store", slog.String("url", cfg.KuboURL))
		return kubo.New(cfg.KuboURL, cfg.KuboToken, s.logger), nil
	}

	hasher, err := cid.NewHasher(cfg.CIDHash)
	if err != nil {
		return nil, fmt.Errorf("CID_HASH: %w", err)
	}
	if err := ensureDir(cfg.ContentDir); err != nil {
		return nil, err
	}
	store, err := contentlocal.Open(cfg.ContentDir, hasher, s.logger)
	if err != nil {
		return nil, err
	}
	s.onClose("content store", store.Close)
	return store, nil
}

func (s *Server) openLedger(ctx context.Context) (ledger.Client, error) {
	cfg := s.config

	if cfg.Ledger == config.LedgerEVM {
		l, err := evm.Dial(ctx, evm.Config{
			RPCURL:     cfg.EthereumRPCURL,
			PrivateKey: cfg.LedgerPrivateKey,
			Contract:   cfg.LedgerContract,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.onClose("evm ledger", l.Close)
		return l, nil
	}

	if err := ensureDir(cfg.LedgerDir); err != nil {
		return nil, err
	}
	l, err := ledgerlocal.Open(cfg.LedgerDir, s.logger)
	if err != nil {
		return nil, err
	}
	s.onClose("local ledger", l.Close)
	return l, nil
}

func (s *Server) openNames(ctx context.Context) (*namesvc.Service, error) {
	cfg := s.config

	if cfg.NameStore != config.NamesRedis {
		s.logger.Warn("name records are kept in memory and lost on restart")
		return namesvc.New(namesvc.NewMemoryStore()), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	s.onClose("redis", client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return namesvc.New(namesvc.NewRedisStore(client, "webdeploy:names:")), nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}
	return nil
}
