// Package media stores attachments downloaded from chat sessions so the
// conversation pipeline can hand local paths to the media analyser.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/anomchat/pkg/anomchat/channels"
)

// StoredMedia represents persisted media metadata.
type StoredMedia struct {
	ID        string               `json:"id"`
	Filename  string               `json:"filename"`
	MimeType  string               `json:"mime_type"`
	Kind      channels.MessageType `json:"kind"`
	Size      int64                `json:"size"`
	Path      string               `json:"path"`
	ChatID    string               `json:"chat_id,omitempty"`
	MessageID string               `json:"message_id,omitempty"`
	Hash      string               `json:"hash"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
}

// SaveRequest contains data for storing media.
type SaveRequest struct {
	Data      []byte
	Filename  string
	MimeType  string
	Kind      channels.MessageType
	ChatID    string
	MessageID string
}

// ListFilter filters media listings.
type ListFilter struct {
	ChatID string
	Kind   channels.MessageType
	Limit  int
}

// StoreConfig configures FileSystemStore.
type StoreConfig struct {
	// BaseDir holds one sub-directory per media kind plus "meta".
	BaseDir string `yaml:"base_dir" validate:"required"`

	// MaxFileSize rejects larger attachments (bytes).
	MaxFileSize int64 `yaml:"max_file_size" validate:"gte=0"`

	// Retention is how long files are kept before DeleteExpired removes
	// them. Zero keeps media forever.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// DefaultStoreConfig returns default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		BaseDir:     "./data/media",
		MaxFileSize: 16 * 1024 * 1024,
		Retention:   30 * 24 * time.Hour,
	}
}

// FileSystemStore keeps media on the local filesystem with a JSON sidecar
// per file.
type FileSystemStore struct {
	config    StoreConfig
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.RWMutex
	metaCache map[string]*StoredMedia
}

// NewFileSystemStore creates a new filesystem-based media store.
func NewFileSystemStore(cfg StoreConfig, logger *slog.Logger) *FileSystemStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = "./data/media"
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 16 * 1024 * 1024
	}

	return &FileSystemStore{
		config:    cfg,
		logger:    logger.With("component", "media-store"),
		now:       time.Now,
		metaCache: make(map[string]*StoredMedia),
	}
}

func (s *FileSystemStore) metaDir() string {
	return filepath.Join(s.config.BaseDir, "meta")
}

func (s *FileSystemStore) kindDir(kind channels.MessageType) string {
	if kind == "" {
		kind = channels.MessageDocument
	}
	return filepath.Join(s.config.BaseDir, string(kind))
}

// Save writes the attachment under BaseDir/<kind>/ and returns its metadata.
func (s *FileSystemStore) Save(ctx context.Context, req SaveRequest) (*StoredMedia, error) {
	if len(req.Data) == 0 {
		return nil, errors.New("no data provided")
	}
	if int64(len(req.Data)) > s.config.MaxFileSize {
		return nil, fmt.Errorf("file size %d exceeds maximum %d", len(req.Data), s.config.MaxFileSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	hash := sha256.Sum256(req.Data)

	filename := sanitizeFilename(req.Filename)
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = extFromMIME(req.MimeType)
	}
	if ext == "" {
		ext = extForKind(req.Kind)
	}
	if filename == "" {
		filename = id + ext
	}

	dir := s.kindDir(req.Kind)
	for _, d := range []string{dir, s.metaDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	now := s.now()
	stored := &StoredMedia{
		ID:        id,
		Filename:  filename,
		MimeType:  req.MimeType,
		Kind:      req.Kind,
		Size:      int64(len(req.Data)),
		Path:      filepath.Join(dir, id+ext),
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		Hash:      hex.EncodeToString(hash[:])[:16],
		CreatedAt: now,
	}
	if s.config.Retention > 0 {
		expires := now.Add(s.config.Retention)
		stored.ExpiresAt = &expires
	}

	if err := os.WriteFile(stored.Path, req.Data, 0o600); err != nil {
		return nil, fmt.Errorf("writing data file: %w", err)
	}

	metaData, err := json.Marshal(stored)
	if err != nil {
		os.Remove(stored.Path)
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.metaDir(), id+".json"), metaData, 0o600); err != nil {
		os.Remove(stored.Path)
		return nil, fmt.Errorf("writing metadata file: %w", err)
	}

	s.mu.Lock()
	s.metaCache[id] = stored
	s.mu.Unlock()

	s.logger.Debug("media saved",
		"id", id,
		"kind", stored.Kind,
		"size", stored.Size,
		"chat_id", stored.ChatID,
	)
	return stored, nil
}

// Get returns the metadata of a stored file.
func (s *FileSystemStore) Get(id string) (*StoredMedia, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid id format: %w", err)
	}
	return s.getMeta(id)
}

// Delete removes a stored file and its metadata.
func (s *FileSystemStore) Delete(ctx context.Context, id string) error {
	stored, err := s.Get(id)
	if err != nil {
		return err
	}

	if err := os.Remove(stored.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete data file", "path", stored.Path, "error", err)
	}
	metaPath := filepath.Join(s.metaDir(), id+".json")
	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete metadata file", "path", metaPath, "error", err)
	}

	s.mu.Lock()
	delete(s.metaCache, id)
	s.mu.Unlock()

	s.logger.Debug("media deleted", "id", id)
	return nil
}

// List returns media matching the filter.
func (s *FileSystemStore) List(ctx context.Context, filter ListFilter) ([]*StoredMedia, error) {
	entries, err := os.ReadDir(s.metaDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading meta directory: %w", err)
	}

	var results []*StoredMedia
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		stored, err := s.getMeta(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if filter.ChatID != "" && stored.ChatID != filter.ChatID {
			continue
		}
		if filter.Kind != "" && stored.Kind != filter.Kind {
			continue
		}
		results = append(results, stored)
		if filter.Limit > 0 && len(results) == filter.Limit {
			break
		}
	}
	return results, nil
}

// DeleteExpired removes every file past its retention deadline.
func (s *FileSystemStore) DeleteExpired(ctx context.Context) (int, error) {
	all, err := s.List(ctx, ListFilter{})
	if err != nil {
		return 0, err
	}

	now := s.now()
	count := 0
	for _, stored := range all {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if stored.ExpiresAt == nil || !now.After(*stored.ExpiresAt) {
			continue
		}
		if err := s.Delete(ctx, stored.ID); err != nil {
			s.logger.Warn("failed to delete expired media", "id", stored.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

func (s *FileSystemStore) getMeta(id string) (*StoredMedia, error) {
	s.mu.RLock()
	if stored, ok := s.metaCache[id]; ok {
		s.mu.RUnlock()
		return stored, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.metaDir(), id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("media not found: %s", id)
		}
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var stored StoredMedia
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	s.mu.Lock()
	s.metaCache[id] = &stored
	s.mu.Unlock()
	return &stored, nil
}

// sanitizeFilename removes path components and control characters.
func sanitizeFilename(name string) string {
	if name == "" {
		return ""
	}
	name = filepath.Base(name)

	var result strings.Builder
	for _, r := range name {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}

	sanitized := result.String()
	if len(sanitized) > 255 {
		ext := filepath.Ext(sanitized)
		sanitized = sanitized[:255-len(ext)] + ext
	}
	if sanitized == "." || sanitized == string(filepath.Separator) {
		return ""
	}
	return sanitized
}

// extForKind is the fallback extension per media kind.
func extForKind(kind channels.MessageType) string {
	switch kind {
	case channels.MessageImage:
		return ".jpg"
	case channels.MessageVideo:
		return ".mp4"
	case channels.MessageAudio:
		return ".ogg"
	case channels.MessageDocument:
		return ".pdf"
	default:
		return ".bin"
	}
}

// extFromMIME returns a file extension for common MIME types.
func extFromMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(mime, "image/png"):
		return ".png"
	case strings.HasPrefix(mime, "image/webp"):
		return ".webp"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mime, "audio/mpeg"):
		return ".mp3"
	case strings.HasPrefix(mime, "audio/mp4"):
		return ".m4a"
	case strings.HasPrefix(mime, "video/mp4"):
		return ".mp4"
	case strings.HasPrefix(mime, "application/pdf"):
		return ".pdf"
	default:
		return ""
	}
}
