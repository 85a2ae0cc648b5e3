package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"event_messenger/internal/domain"
	"event_messenger/pkg/logger"
)

// fsAttachmentBackend - резервное хранилище на локальном диске.
// Блоб лежит в <id>.bin, метаданные рядом в <id>.json.
type fsAttachmentBackend struct {
	dir string
	log logger.Logger
}

func NewFilesystemAttachmentBackend(dir string, log logger.Logger) (AttachmentBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &fsAttachmentBackend{dir: dir, log: log}, nil
}

func (b *fsAttachmentBackend) Name() string { return "filesystem" }

type fsAttachmentMeta struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	CreatedAt string `json:"created_at"`
}

func (b *fsAttachmentBackend) Put(ctx context.Context, att *domain.StoredAttachment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := json.Marshal(fsAttachmentMeta{
		Filename:  att.Filename,
		MimeType:  att.MimeType,
		Size:      att.Size,
		CreatedAt: att.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	// сначала блоб, потом метаданные: без .json запись считается отсутствующей
	if err := writeFileAtomic(b.blobPath(att.ID), att.Data); err != nil {
		b.log.Error("Failed to write attachment file", "attachment_id", att.ID, "error", err)
		return err
	}
	if err := writeFileAtomic(b.metaPath(att.ID), meta); err != nil {
		_ = os.Remove(b.blobPath(att.ID))
		b.log.Error("Failed to write attachment metadata", "attachment_id", att.ID, "error", err)
		return err
	}
	return nil
}

func (b *fsAttachmentBackend) Get(ctx context.Context, id uuid.UUID) (*domain.StoredAttachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rawMeta, err := os.ReadFile(b.metaPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errAttachmentMissing
		}
		return nil, err
	}
	var meta fsAttachmentMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("corrupt attachment metadata %s: %w", id, err)
	}

	data, err := os.ReadFile(b.blobPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errAttachmentMissing
		}
		return nil, err
	}

	att := &domain.StoredAttachment{
		ID:       id,
		Filename: meta.Filename,
		MimeType: meta.MimeType,
		Size:     int64(len(data)),
		Data:     data,
	}
	if t, err := time.Parse(time.RFC3339Nano, meta.CreatedAt); err == nil {
		att.CreatedAt = t
	}
	return att, nil
}

func (b *fsAttachmentBackend) Delete(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(b.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return errAttachmentMissing
	}
	if err != nil {
		return err
	}
	if err := os.Remove(b.blobPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.log.Warn("Failed to remove attachment blob file", "attachment_id", id, "error", err)
	}
	return nil
}

// пути строятся только из UUID, имя файла пользователя на диск не попадает
func (b *fsAttachmentBackend) blobPath(id uuid.UUID) string {
	return filepath.Join(b.dir, id.String()+".bin")
}

func (b *fsAttachmentBackend) metaPath(id uuid.UUID) string {
	return filepath.Join(b.dir, id.String()+".json")
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
