package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttachmentFile - входной файл до записи в хранилище
type AttachmentFile struct {
	Filename string
	Data     []byte
}

// StoredAttachment - блоб вместе с метаданными, как его отдает бэкенд хранилища
type StoredAttachment struct {
	ID        uuid.UUID `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	Size      int64     `json:"size"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// AttachmentFailure - файл, который не удалось сохранить ни в одно хранилище
type AttachmentFailure struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
	Code     string `json:"code"`
}
