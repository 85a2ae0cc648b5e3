package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"event_messenger/internal/domain"
	"event_messenger/pkg/logger"
)

func TestFilesystemBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemAttachmentBackend(dir, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	att := &domain.StoredAttachment{
		ID:        uuid.New(),
		Filename:  "floor_plan.pdf",
		MimeType:  "application/pdf",
		Size:      5,
		Data:      []byte("%PDF-"),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, backend.Put(ctx, att))

	got, err := backend.Get(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, att.Data, got.Data)
	assert.Equal(t, "floor_plan.pdf", got.Filename)
	assert.Equal(t, "application/pdf", got.MimeType)
	assert.True(t, att.CreatedAt.Equal(got.CreatedAt))

	// на диске только UUID-имена
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Contains(t, e.Name(), att.ID.String())
	}

	require.NoError(t, backend.Delete(ctx, att.ID))
	_, err = backend.Get(ctx, att.ID)
	assert.True(t, IsAttachmentMissing(err))
	assert.True(t, IsAttachmentMissing(backend.Delete(ctx, att.ID)))
}

func TestFilesystemBackendMissingMetadataMeansMissing(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewFilesystemAttachmentBackend(dir, logger.Nop())
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id.String()+".bin"), []byte("orphan"), 0o600))

	_, err = backend.Get(context.Background(), id)
	assert.True(t, IsAttachmentMissing(err))
}

func TestPrefixColumns(t *testing.T) {
	assert.Equal(t, "c.id, c.status", prefixColumns("c.", "id,\n\tstatus"))
}
