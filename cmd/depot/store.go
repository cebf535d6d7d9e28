package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/depot/internal/backend/kv"
	"github.com/oriys/depot/internal/backend/memory"
	"github.com/oriys/depot/internal/backend/secure"
	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/config"
	"github.com/oriys/depot/internal/domain"
	"github.com/oriys/depot/internal/metrics"
	"github.com/oriys/depot/internal/objectstore"
	"github.com/oriys/depot/internal/repository"
)

// recordStore is what the commands need from any backend.
type recordStore interface {
	Save(ctx context.Context, r *domain.Record) error
	Fetch(ctx context.Context, id string) (*domain.Record, bool, error)
	FetchAll(ctx context.Context) ([]*domain.Record, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// cachedStore adapts a cache-aside repository.
type cachedStore struct {
	*repository.Cached[*domain.Record, string]
	closers []func() error
}

func (s *cachedStore) DeleteAll(ctx context.Context) error {
	if err := s.Storage().DeleteAll(ctx); err != nil {
		return err
	}
	s.InvalidateCache()
	return nil
}

func (s *cachedStore) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// objectStore adapts an object repository and owns its execution context.
type objectStore struct {
	*objectstore.ObjectRepository[*domain.Record]
	exec   *objectstore.Context
	engine objectstore.Engine
}

func (s *objectStore) DeleteAll(ctx context.Context) error {
	return s.Storage().DeleteAll(ctx)
}

func (s *objectStore) Close() error {
	s.exec.Close()
	return s.engine.Close()
}

const repositoryName = "records"

// openStore builds the record store selected by c.
func openStore(ctx context.Context, c *config.Config, recorder metrics.Recorder) (recordStore, error) {
	policy, err := c.CachePolicy()
	if err != nil {
		return nil, err
	}
	opts := []repository.Option{
		repository.WithName(repositoryName),
		repository.WithRecorder(recorder),
	}

	switch c.Backend {
	case "memory":
		return &cachedStore{Cached: memory.NewRepository[*domain.Record, string](policy, opts...)}, nil

	case "kv":
		store, err := openKVStore(ctx, c.KV)
		if err != nil {
			return nil, err
		}
		repo, err := kv.NewRepository(kv.Config[*domain.Record, string]{
			Store:     store,
			KeyPrefix: c.KV.KeyPrefix + repositoryName + ":",
		}, policy, opts...)
		if err != nil {
			store.Close()
			return nil, err
		}
		return &cachedStore{Cached: repo, closers: []func() error{store.Close}}, nil

	case "secure":
		return openSecureStore(c.Secure, policy, opts)

	case "object":
		return openObjectStore(ctx, c.Object, recorder)

	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// openKVStore opens the configured handle. Network stores sit behind a
// circuit breaker.
func openKVStore(ctx context.Context, c config.KVConfig) (kv.Store, error) {
	switch c.Store {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "redis":
		s := kv.NewRedisStore(kv.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis %s: %w", c.Redis.Addr, err)
		}
		return kv.NewGuardedStore(s, nil), nil
	case "fs":
		s, err := kv.NewFSStore(c.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		s, err := kv.NewS3StoreFromConfig(ctx, kv.S3Config{
			Bucket:       c.S3.Bucket,
			Region:       c.S3.Region,
			Endpoint:     c.S3.Endpoint,
			UsePathStyle: c.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return kv.NewGuardedStore(s, nil), nil
	default:
		return nil, fmt.Errorf("unknown kv store %q", c.Store)
	}
}

func openSecureStore(c config.SecureConfig, policy cache.Policy, opts []repository.Option) (recordStore, error) {
	accessibility, err := secure.ParseAccessibility(c.Accessibility)
	if err != nil {
		return nil, err
	}

	var keychain secure.Keychain
	if c.Dir == "" {
		keychain = secure.NewMemoryKeychain(secure.AlwaysUnlocked)
	} else {
		if c.KeyFile == "" {
			return nil, fmt.Errorf("secure dir %s requires a key file (see depot keygen)", c.Dir)
		}
		cipher, err := secure.NewCipherFromFile(c.KeyFile)
		if err != nil {
			return nil, err
		}
		keychain, err = secure.NewFileKeychain(c.Dir, cipher, secure.AlwaysUnlocked)
		if err != nil {
			return nil, err
		}
	}

	repo, err := secure.NewRepository(secure.Config[*domain.Record, string]{
		Service:       c.Service,
		AccessGroup:   c.AccessGroup,
		Accessibility: accessibility,
		Keychain:      keychain,
	}, policy, opts...)
	if err != nil {
		return nil, err
	}
	return &cachedStore{Cached: repo}, nil
}

func openObjectStore(ctx context.Context, c config.ObjectConfig, recorder metrics.Recorder) (recordStore, error) {
	var engine objectstore.Engine
	switch c.Engine {
	case "memory":
		engine = objectstore.NewMemoryEngine()
	case "postgres":
		pg, err := objectstore.NewPostgresEngine(ctx, c.DSN)
		if err != nil {
			return nil, err
		}
		engine = pg
	default:
		return nil, fmt.Errorf("unknown object engine %q", c.Engine)
	}

	exec := objectstore.NewContext()
	s, err := objectstore.New[*domain.Record](exec, engine,
		objectstore.WithEntityName(repositoryName),
		objectstore.WithMaxMaterialized(c.MaxMaterialized),
	)
	if err != nil {
		exec.Close()
		engine.Close()
		return nil, err
	}
	return &objectStore{
		ObjectRepository: objectstore.NewRepository(s, repositoryName, recorder),
		exec:             exec,
		engine:           engine,
	}, nil
}
