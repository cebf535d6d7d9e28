// Package secure is the Storage backend for credentials and other secrets.
// Entities are encoded and written as keychain items under a service
// namespace, one item per identifier, with a protection class chosen when
// the storage is built.
//
// The keychain is treated as shared state: other processes may touch the
// same service, and each item write is atomic on its own. Transactions are
// best-effort.
package secure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oriys/depot/internal/cache"
	"github.com/oriys/depot/internal/logging"
	"github.com/oriys/depot/internal/observability"
	"github.com/oriys/depot/internal/repository"
	"github.com/oriys/depot/internal/storage"
)

// Config describes the keychain namespace of a Storage.
type Config[T any, ID comparable] struct {
	// Service namespaces the items. Required.
	Service string
	// AccessGroup shares items between applications of the same vendor.
	// Optional.
	AccessGroup string
	// Accessibility is applied to every item written.
	Accessibility Accessibility
	// Keychain holds the items. Defaults to an unlocked MemoryKeychain.
	Keychain Keychain
	// Codec encodes entities. Defaults to storage.JSONCodec.
	Codec storage.Codec[T]
	// KeyFunc renders an identifier as the item account. Defaults to
	// storage.KeyString.
	KeyFunc func(ID) string
	Logger  *slog.Logger
}

// Storage implements storage.Storage over a Keychain.
type Storage[T storage.Entity[ID], ID comparable] struct {
	iso           storage.Isolate
	keychain      Keychain
	service       string
	accessGroup   string
	accessibility Accessibility
	codec         storage.Codec[T]
	keyFunc       func(ID) string
	logger        *slog.Logger
}

// New validates cfg and returns a Storage.
func New[T storage.Entity[ID], ID comparable](cfg Config[T, ID]) (*Storage[T, ID], error) {
	if cfg.Service == "" {
		return nil, errors.New("secure: config has no service")
	}
	if !cfg.Accessibility.Valid() {
		return nil, fmt.Errorf("secure: invalid accessibility %d", int(cfg.Accessibility))
	}
	s := &Storage[T, ID]{
		keychain:      cfg.Keychain,
		service:       cfg.Service,
		accessGroup:   cfg.AccessGroup,
		accessibility: cfg.Accessibility,
		codec:         cfg.Codec,
		keyFunc:       cfg.KeyFunc,
		logger:        cfg.Logger,
	}
	if s.keychain == nil {
		s.keychain = NewMemoryKeychain(nil)
	}
	if s.codec == nil {
		s.codec = storage.JSONCodec[T]{}
	}
	if s.keyFunc == nil {
		s.keyFunc = storage.KeyString[ID]
	}
	if s.logger == nil {
		s.logger = logging.Component("secure")
	}
	s.logger = s.logger.With("service", s.service)
	return s, nil
}

// NewRepository returns a cached repository over a new Storage.
func NewRepository[T storage.Entity[ID], ID comparable](cfg Config[T, ID], policy cache.Policy, opts ...repository.Option) (*repository.Cached[T, ID], error) {
	s, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return repository.New[T, ID](s, policy, opts...), nil
}

// Accessibility returns the protection class applied to written items.
func (s *Storage[T, ID]) Accessibility() Accessibility {
	return s.accessibility
}

func (s *Storage[T, ID]) Save(ctx context.Context, entity T) error {
	account := s.keyFunc(entity.EntityID())
	return s.iso.Run(ctx, func(ctx context.Context) error {
		return s.put(ctx, account, entity)
	})
}

func (s *Storage[T, ID]) put(ctx context.Context, account string, entity T) error {
	data, err := s.codec.Encode(entity)
	if err != nil {
		return storage.SaveFailed(account, fmt.Errorf("encode: %w", err))
	}
	ctx, span := observability.StartClientSpan(ctx, "keychain.put", observability.AttrKey.String(account))
	err = s.keychain.Put(ctx, Item{
		Service:        s.service,
		Account:        account,
		AccessGroup:    s.accessGroup,
		Accessibility:  s.accessibility,
		Synchronizable: !s.accessibility.ThisDeviceOnly(),
		Data:           data,
	})
	observability.End(span, err)
	if err != nil {
		return storage.SaveFailed(account, err)
	}
	return nil
}

// SaveAll writes items one at a time; the keychain has no batch write. The
// first failure stops the loop.
func (s *Storage[T, ID]) SaveAll(ctx context.Context, entities []T) error {
	return s.iso.Run(ctx, func(ctx context.Context) error {
		for _, e := range entities {
			if err := s.put(ctx, s.keyFunc(e.EntityID()), e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Storage[T, ID]) Fetch(ctx context.Context, id ID) (entity T, ok bool, err error) {
	account := s.keyFunc(id)
	err = s.iso.Run(ctx, func(ctx context.Context) error {
		ctx, span := observability.StartClientSpan(ctx, "keychain.get", observability.AttrKey.String(account))
		item, gerr := s.keychain.Get(ctx, s.accessGroup, s.service, account)
		if errors.Is(gerr, ErrItemNotFound) {
			observability.End(span, nil)
			return nil
		}
		observability.End(span, gerr)
		if errors.Is(gerr, ErrMalformedItem) {
			return storage.InvalidData(account, gerr)
		}
		if gerr != nil {
			return storage.FetchFailed(account, gerr)
		}
		v, derr := s.codec.Decode(item.Data)
		if derr != nil {
			return storage.InvalidData(account, derr)
		}
		entity, ok = v, true
		return nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	return entity, ok, nil
}

// FetchAll reads every item of the service. Items that cannot be opened or
// decoded are skipped with a warning.
func (s *Storage[T, ID]) FetchAll(ctx context.Context) ([]T, error) {
	var out []T
	err := s.iso.Run(ctx, func(ctx context.Context) error {
		accounts, err := s.keychain.Accounts(ctx, s.accessGroup, s.service)
		if err != nil {
			return storage.FetchFailed(s.service, err)
		}
		out = make([]T, 0, len(accounts))
		for _, account := range accounts {
			item, err := s.keychain.Get(ctx, s.accessGroup, s.service, account)
			if errors.Is(err, ErrItemNotFound) {
				continue
			}
			if errors.Is(err, ErrMalformedItem) {
				logging.FromContext(ctx, s.logger).Warn("skipping malformed item", "account", account, "error", err)
				continue
			}
			if err != nil {
				return storage.FetchFailed(account, err)
			}
			v, err := s.codec.Decode(item.Data)
			if err != nil {
				logging.FromContext(ctx, s.logger).Warn("skipping malformed item", "account", account, "error", err)
				continue
			}
			out = append(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage[T, ID]) FetchMatching(ctx context.Context, pred storage.Predicate[T]) ([]T, error) {
	all, err := s.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Filter(all, pred), nil
}

func (s *Storage[T, ID]) Delete(ctx context.Context, id ID) error {
	account := s.keyFunc(id)
	return s.iso.Run(ctx, func(ctx context.Context) error {
		err := s.keychain.Delete(ctx, s.accessGroup, s.service, account)
		if errors.Is(err, ErrItemNotFound) {
			return storage.NotFound(account)
		}
		if err != nil {
			return storage.DeleteFailed(account, err)
		}
		return nil
	})
}

func (s *Storage[T, ID]) DeleteAll(ctx context.Context) error {
	return s.iso.Run(ctx, func(ctx context.Context) error {
		accounts, err := s.keychain.Accounts(ctx, s.accessGroup, s.service)
		if err != nil {
			return storage.DeleteFailed(s.service, err)
		}
		for _, account := range accounts {
			err := s.keychain.Delete(ctx, s.accessGroup, s.service, account)
			if err != nil && !errors.Is(err, ErrItemNotFound) {
				return storage.DeleteFailed(account, err)
			}
		}
		return nil
	})
}

func (s *Storage[T, ID]) Transact(ctx context.Context, fn func(ctx context.Context) error) error {
	return storage.BestEffortTransact(ctx, &s.iso, fn)
}
