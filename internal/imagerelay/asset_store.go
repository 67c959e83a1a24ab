package imagerelay

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// AssetStore records discovered assets keyed by external id. TryInsert must
// be atomic: concurrent calls for the same id report inserted=true at most once.
type AssetStore interface {
	TryInsert(ctx context.Context, asset Asset) (bool, error)
	SetStorageURL(ctx context.Context, externalID, url string) error
	ListAssets(ctx context.Context) ([]Asset, error)
	Close() error
}

type InMemoryAssetStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[string]*Asset
}

func NewInMemoryAssetStore() *InMemoryAssetStore {
	return &InMemoryAssetStore{byID: map[string]*Asset{}}
}

func (s *InMemoryAssetStore) TryInsert(_ context.Context, asset Asset) (bool, error) {
	if s == nil {
		return false, ErrPersistenceUnavailable
	}
	if strings.TrimSpace(asset.ExternalID) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(asset), nil
}

func (s *InMemoryAssetStore) insertLocked(asset Asset) bool {
	if _, ok := s.byID[asset.ExternalID]; ok {
		return false
	}
	s.nextID++
	stored := asset
	stored.ID = s.nextID
	stored.StoragePath = nil
	if stored.Size < 0 {
		stored.Size = 0
	}
	s.byID[asset.ExternalID] = &stored
	return true
}

func (s *InMemoryAssetStore) SetStorageURL(_ context.Context, externalID, url string) error {
	if s == nil {
		return ErrPersistenceUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(externalID, url)
	return nil
}

func (s *InMemoryAssetStore) setLocked(externalID, url string) bool {
	asset, ok := s.byID[externalID]
	if !ok || asset.StoragePath != nil || strings.TrimSpace(url) == "" {
		return false
	}
	value := url
	asset.StoragePath = &value
	return true
}

func (s *InMemoryAssetStore) ListAssets(_ context.Context) ([]Asset, error) {
	if s == nil {
		return nil, ErrPersistenceUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

func (s *InMemoryAssetStore) snapshotLocked() []Asset {
	assets := make([]Asset, 0, len(s.byID))
	for _, asset := range s.byID {
		clone := *asset
		if asset.StoragePath != nil {
			path := *asset.StoragePath
			clone.StoragePath = &path
		}
		assets = append(assets, clone)
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].ID > assets[j].ID
	})
	return assets
}

func (s *InMemoryAssetStore) Close() error {
	return nil
}

// FileAssetStore keeps the asset table in a JSON snapshot on local disk.
type FileAssetStore struct {
	path string
	mem  *InMemoryAssetStore
}

type fileAssetStoreState struct {
	NextID int64             `json:"nextId"`
	Assets []fileAssetRecord `json:"assets"`
}

// Asset hides its id from API responses; the snapshot needs it.
type fileAssetRecord struct {
	ID          int64   `json:"id"`
	ExternalID  string  `json:"external_id"`
	Name        string  `json:"name"`
	Size        int64   `json:"size"`
	MimeType    string  `json:"mime_type"`
	StoragePath *string `json:"storage_path"`
}

func NewFileAssetStore(path string) (*FileAssetStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileAssetStore{path: path, mem: NewInMemoryAssetStore()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileAssetStore) TryInsert(_ context.Context, asset Asset) (bool, error) {
	if strings.TrimSpace(asset.ExternalID) == "" {
		return false, ErrInvalidInput
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if !s.mem.insertLocked(asset) {
		return false, nil
	}
	if err := s.saveLocked(); err != nil {
		delete(s.mem.byID, asset.ExternalID)
		s.mem.nextID--
		return false, errors.Join(ErrPersistenceUnavailable, err)
	}
	return true, nil
}

func (s *FileAssetStore) SetStorageURL(_ context.Context, externalID, url string) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if !s.mem.setLocked(externalID, url) {
		return nil
	}
	if err := s.saveLocked(); err != nil {
		s.mem.byID[externalID].StoragePath = nil
		return errors.Join(ErrPersistenceUnavailable, err)
	}
	return nil
}

func (s *FileAssetStore) ListAssets(ctx context.Context) ([]Asset, error) {
	return s.mem.ListAssets(ctx)
}

func (s *FileAssetStore) Close() error {
	return nil
}

func (s *FileAssetStore) load() error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileAssetStoreState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	s.mem.nextID = snapshot.NextID
	for _, record := range snapshot.Assets {
		asset := Asset(record)
		s.mem.byID[record.ExternalID] = &asset
		if asset.ID > s.mem.nextID {
			s.mem.nextID = asset.ID
		}
	}
	return nil
}

func (s *FileAssetStore) saveLocked() error {
	assets := s.mem.snapshotLocked()
	records := make([]fileAssetRecord, 0, len(assets))
	for i := len(assets) - 1; i >= 0; i-- {
		records = append(records, fileAssetRecord(assets[i]))
	}
	data, err := json.Marshal(fileAssetStoreState{NextID: s.mem.nextID, Assets: records})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
