package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory; used by tests and single-process
	// deployments that accept losing sessions on restart.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger
}

// BadgerStore is a Store backed by badger, using native per-entry TTLs.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens (or creates) a badger-backed store.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kv: path is required for persistent badger store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("kv: create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger database: %w", err)
	}

	s := &BadgerStore{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Get retrieves the value for key.
func (s *BadgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get: %w", err)
	}
	return value, nil
}

// Put writes value under key with the given ttl.
func (s *BadgerStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("kv: key cannot be empty")
	}
	if ttl < 0 {
		return fmt.Errorf("kv: negative ttl %s", ttl)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("kv: put: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *BadgerStore) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kv: delete: %w", err)
	}
	return nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.doneCh
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}
