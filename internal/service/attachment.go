package service

import (
	"context"
	"errors"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/metrics"
	"event_messenger/internal/repository"
	apperrors "event_messenger/pkg/errors"
	"event_messenger/pkg/logger"
)

const (
	maxDisplayFilename     = 100
	defaultDisplayFilename = "attachment"
	attachmentURLPrefix    = "/api/v4/attachments/"
)

type AttachmentService interface {
	// Validate проверяет лимиты до любой записи
	Validate(files []domain.AttachmentFile) error
	// Store пишет файлы по одному; файл, не сохраненный ни в одно хранилище, попадает в failures
	Store(ctx context.Context, files []domain.AttachmentFile) ([]domain.AttachmentRef, []domain.AttachmentFailure, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.StoredAttachment, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type attachmentService struct {
	primary   repository.AttachmentBackend
	secondary repository.AttachmentBackend
	breaker   *gobreaker.CircuitBreaker[any]
	cfg       config.AttachmentConfig
	clock     Clock
	log       logger.Logger
}

func NewAttachmentService(primary, secondary repository.AttachmentBackend, cfg config.AttachmentConfig, clock Clock, log logger.Logger) AttachmentService {
	s := &attachmentService{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		clock:     clock,
		log:       log,
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	name := "attachments-" + primary.Name()
	s.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Attachment backend breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		// отсутствие блоба - нормальный ответ, а не сбой хранилища
		IsSuccessful: func(err error) bool {
			return err == nil || repository.IsAttachmentMissing(err) || errors.Is(err, context.Canceled)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return s
}

func (s *attachmentService) Validate(files []domain.AttachmentFile) error {
	if len(files) > s.cfg.MaxPerMessage {
		return apperrors.InvalidArgument("too many attachments: %d, maximum is %d", len(files), s.cfg.MaxPerMessage).
			WithMeta("max_attachments", s.cfg.MaxPerMessage)
	}

	var total int64
	for _, f := range files {
		size := int64(len(f.Data))
		if size == 0 {
			return apperrors.InvalidArgument("attachment %q is empty", SanitizeFilename(f.Filename))
		}
		if size > s.cfg.MaxFileSize {
			return apperrors.InvalidArgument("attachment %q exceeds %d bytes", SanitizeFilename(f.Filename), s.cfg.MaxFileSize).
				WithMeta("max_file_size", s.cfg.MaxFileSize)
		}
		total += size
	}
	if total > s.cfg.MaxTotalSize {
		return apperrors.InvalidArgument("attachments exceed %d bytes in total", s.cfg.MaxTotalSize).
			WithMeta("max_total_size", s.cfg.MaxTotalSize)
	}
	return nil
}

func (s *attachmentService) Store(ctx context.Context, files []domain.AttachmentFile) ([]domain.AttachmentRef, []domain.AttachmentFailure, error) {
	if err := s.Validate(files); err != nil {
		return nil, nil, err
	}

	refs := make([]domain.AttachmentRef, 0, len(files))
	var failures []domain.AttachmentFailure
	for _, f := range files {
		att := &domain.StoredAttachment{
			ID:        uuid.New(),
			Filename:  SanitizeFilename(f.Filename),
			MimeType:  mimetype.Detect(f.Data).String(),
			Size:      int64(len(f.Data)),
			Data:      f.Data,
			CreatedAt: s.clock.Now(),
		}

		if err := s.put(ctx, att); err != nil {
			failures = append(failures, domain.AttachmentFailure{
				Filename: att.Filename,
				Reason:   "attachment storage unavailable",
				Code:     string(apperrors.CodeStorageUnavailable),
			})
			continue
		}

		refs = append(refs, domain.AttachmentRef{
			ID:       att.ID,
			URL:      attachmentURLPrefix + att.ID.String(),
			Filename: att.Filename,
			MimeType: att.MimeType,
			Size:     att.Size,
		})
	}
	return refs, failures, nil
}

func (s *attachmentService) put(ctx context.Context, att *domain.StoredAttachment) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.primary.Put(ctx, att)
	})
	if err == nil {
		metrics.AttachmentWrites.WithLabelValues(s.primary.Name(), "ok").Inc()
		return nil
	}
	metrics.AttachmentWrites.WithLabelValues(s.primary.Name(), "error").Inc()
	s.log.Warn("Primary attachment backend failed, using fallback", "attachment_id", att.ID, "error", err)

	if err := s.secondary.Put(ctx, att); err != nil {
		metrics.AttachmentWrites.WithLabelValues(s.secondary.Name(), "error").Inc()
		s.log.Error("Failed to store attachment", "attachment_id", att.ID, "filename", att.Filename, "error", err)
		return err
	}
	metrics.AttachmentWrites.WithLabelValues(s.secondary.Name(), "ok").Inc()
	return nil
}

func (s *attachmentService) Get(ctx context.Context, id uuid.UUID) (*domain.StoredAttachment, error) {
	res, primaryErr := s.breaker.Execute(func() (any, error) {
		return s.primary.Get(ctx, id)
	})
	if primaryErr == nil {
		return res.(*domain.StoredAttachment), nil
	}
	if !repository.IsAttachmentMissing(primaryErr) {
		s.log.Warn("Primary attachment backend read failed", "attachment_id", id, "error", primaryErr)
	}

	att, err := s.secondary.Get(ctx, id)
	if err == nil {
		return att, nil
	}
	if repository.IsAttachmentMissing(err) {
		if repository.IsAttachmentMissing(primaryErr) {
			return nil, apperrors.NotFound("attachment %s not found", id)
		}
		return nil, apperrors.Wrap(apperrors.CodeStorageUnavailable, "attachment storage unavailable", primaryErr)
	}
	s.log.Error("Failed to read attachment", "attachment_id", id, "error", err)
	return nil, apperrors.Wrap(apperrors.CodeStorageUnavailable, "attachment storage unavailable", err)
}

// Delete удаляет блоб только из того хранилища, где он лежит
func (s *attachmentService) Delete(ctx context.Context, id uuid.UUID) error {
	_, primaryErr := s.breaker.Execute(func() (any, error) {
		return nil, s.primary.Delete(ctx, id)
	})
	if primaryErr == nil {
		return nil
	}

	err := s.secondary.Delete(ctx, id)
	if err == nil {
		return nil
	}
	if repository.IsAttachmentMissing(err) && repository.IsAttachmentMissing(primaryErr) {
		return apperrors.NotFound("attachment %s not found", id)
	}
	s.log.Error("Failed to delete attachment", "attachment_id", id, "error", err)
	return apperrors.Wrap(apperrors.CodeStorageUnavailable, "attachment storage unavailable", err)
}

// SanitizeFilename оставляет только имя файла без пути, заменяет все кроме [A-Za-z0-9._-]
// на '_' и обрезает до 100 символов с сохранением расширения
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if strings.Trim(out, "_.") == "" {
		return defaultDisplayFilename
	}

	if len(out) > maxDisplayFilename {
		ext := ""
		if i := strings.LastIndexByte(out, '.'); i > 0 && len(out)-i <= 16 {
			ext = out[i:]
		}
		out = out[:maxDisplayFilename-len(ext)] + ext
	}
	return out
}
