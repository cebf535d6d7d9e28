package secure

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FileKeychain stores each item as an encrypted file on a billy filesystem.
// The value is sealed with AES-256-GCM with the item identity (access group,
// service, account) and accessibility bound as additional data, so a file
// copied to another identity or edited to weaken its class no longer
// decrypts.
//
// Layout: <base64url(group \x00 service)>/<base64url(account)>
type FileKeychain struct {
	mu     sync.Mutex
	fs     billy.Filesystem
	cipher *Cipher
	device DeviceStateFunc
	now    func() time.Time
}

type fileEnvelope struct {
	Accessibility  string    `json:"accessibility"`
	Synchronizable bool      `json:"synchronizable"`
	ModifiedAt     time.Time `json:"modified_at"`
	Sealed         []byte    `json:"sealed"`
}

// NewFileKeychain stores items under dir on the local disk.
func NewFileKeychain(dir string, c *Cipher, device DeviceStateFunc) (*FileKeychain, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create keychain dir: %w", err)
	}
	return NewFileKeychainOn(osfs.New(dir), c, device), nil
}

// NewMemFileKeychain keeps the encrypted files in memory.
func NewMemFileKeychain(c *Cipher, device DeviceStateFunc) *FileKeychain {
	return NewFileKeychainOn(memfs.New(), c, device)
}

// NewFileKeychainOn uses an existing filesystem.
func NewFileKeychainOn(fs billy.Filesystem, c *Cipher, device DeviceStateFunc) *FileKeychain {
	if device == nil {
		device = AlwaysUnlocked
	}
	return &FileKeychain{fs: fs, cipher: c, device: device, now: time.Now}
}

func encodeSegment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func (k *FileKeychain) serviceDir(accessGroup, service string) string {
	return encodeSegment(accessGroup + "\x00" + service)
}

func (k *FileKeychain) itemPath(accessGroup, service, account string) string {
	return k.fs.Join(k.serviceDir(accessGroup, service), encodeSegment(account))
}

func additionalData(accessGroup, service, account string, a Accessibility) []byte {
	return []byte(accessGroup + "\x00" + service + "\x00" + account + "\x00" + a.String())
}

func (k *FileKeychain) Put(_ context.Context, item Item) error {
	if !item.Accessibility.Allows(k.device()) {
		return ErrInteractionNotAllowed
	}

	sealed, err := k.cipher.Encrypt(item.Data, additionalData(item.AccessGroup, item.Service, item.Account, item.Accessibility))
	if err != nil {
		return err
	}
	data, err := json.Marshal(fileEnvelope{
		Accessibility:  item.Accessibility.String(),
		Synchronizable: item.Synchronizable,
		ModifiedAt:     k.now().UTC(),
		Sealed:         sealed,
	})
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	dir := k.serviceDir(item.AccessGroup, item.Service)
	if err := k.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create service dir: %w", err)
	}
	tmp, err := util.TempFile(k.fs, dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = k.fs.Remove(tmpName)
		return fmt.Errorf("write item: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = k.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := k.fs.Rename(tmpName, k.itemPath(item.AccessGroup, item.Service, item.Account)); err != nil {
		_ = k.fs.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func (k *FileKeychain) Get(_ context.Context, accessGroup, service, account string) (Item, error) {
	k.mu.Lock()
	raw, err := k.read(k.itemPath(accessGroup, service, account))
	k.mu.Unlock()
	if err != nil {
		return Item{}, err
	}

	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Item{}, fmt.Errorf("%w: decode envelope: %w", ErrMalformedItem, err)
	}
	a, err := ParseAccessibility(env.Accessibility)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %w", ErrMalformedItem, err)
	}
	if !a.Allows(k.device()) {
		return Item{}, ErrInteractionNotAllowed
	}
	plain, err := k.cipher.Decrypt(env.Sealed, additionalData(accessGroup, service, account, a))
	if err != nil {
		return Item{}, fmt.Errorf("%w: %w", ErrMalformedItem, err)
	}
	return Item{
		Service:        service,
		Account:        account,
		AccessGroup:    accessGroup,
		Accessibility:  a,
		Synchronizable: env.Synchronizable,
		Data:           plain,
		ModifiedAt:     env.ModifiedAt,
	}, nil
}

func (k *FileKeychain) read(path string) ([]byte, error) {
	f, err := k.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (k *FileKeychain) Delete(_ context.Context, accessGroup, service, account string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := k.fs.Remove(k.itemPath(accessGroup, service, account))
	if errors.Is(err, os.ErrNotExist) {
		return ErrItemNotFound
	}
	return err
}

func (k *FileKeychain) Accounts(_ context.Context, accessGroup, service string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	infos, err := k.fs.ReadDir(k.serviceDir(accessGroup, service))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var accounts []string
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		b, err := base64.RawURLEncoding.DecodeString(info.Name())
		if err != nil {
			continue // temp files
		}
		accounts = append(accounts, string(b))
	}
	sort.Strings(accounts)
	return accounts, nil
}
