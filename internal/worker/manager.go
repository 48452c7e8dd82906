package worker

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"ansr/internal/models"
	"ansr/internal/redis"
	"ansr/internal/storage"
	"ansr/internal/stream"
)

// minPerceivedDuration keeps the waiting screen up long enough to read;
// uploads that finish faster are held until it elapses.
const minPerceivedDuration = 3 * time.Second

// MediaStore is the slice of the streaming provider the pipeline needs.
type MediaStore interface {
	CreateDirectUpload(ctx context.Context) (*stream.DirectUpload, error)
	Upload(ctx context.Context, uploadURL, filename string, blob io.Reader) error
}

// Responder records a finished upload as a campaign response.
type Responder interface {
	SubmitResponse(ctx context.Context, campaignID string, userID int64, kind models.MessageType, content string) (*models.Message, error)
}

// Manager owns the upload lifecycle: row persistence, the provider
// transfer, and handing the media id to the response service.
type Manager struct {
	db        *storage.DB
	media     MediaStore
	responses Responder
	progress  *progressCache

	// sleep is swappable for tests
	sleep func(time.Duration)
}

func NewManager(db *storage.DB, cache *redis.Client, media MediaStore, responses Responder) *Manager {
	return &Manager{
		db:        db,
		media:     media,
		responses: responses,
		progress:  newProgressCache(cache),
		sleep:     time.Sleep,
	}
}

// CreateUpload registers a pending upload and returns the job to queue.
func (m *Manager) CreateUpload(ctx context.Context, userID int64, campaignID string, kind models.MessageType, filename string, data []byte) (*models.Upload, Job, error) {
	switch kind {
	case models.MessageVideo, models.MessageAudio:
	default:
		return nil, Job{}, fmt.Errorf("upload kind must be video or audio, got %q", kind)
	}
	if len(data) == 0 {
		return nil, Job{}, errors.New("upload body empty")
	}
	now := time.Now().UTC()
	upload := &models.Upload{
		ID:         uuid.NewString(),
		UserID:     userID,
		CampaignID: campaignID,
		Kind:       kind,
		Status:     models.UploadPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO uploads (id, user_id, campaign_id, kind, media_id, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, '', ?, '', ?, ?)`,
		upload.ID, upload.UserID, upload.CampaignID, upload.Kind, upload.Status, now, now)
	if err != nil {
		return nil, Job{}, fmt.Errorf("create upload: %w", err)
	}
	m.progress.cacheUpload(upload)
	job := Job{Type: Upload, UploadTask: &UploadTask{upload: upload, filename: filename, data: data}}
	return upload, job, nil
}

// DiscardUpload removes an upload that never made it onto the queue, so
// a rejected request leaves no pending row behind.
func (m *Manager) DiscardUpload(ctx context.Context, upload *models.Upload) {
	if upload == nil {
		return
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, upload.ID); err != nil {
		log.Printf("upload %s discard failed: %v", upload.ID, err)
	}
	m.progress.dropUpload(upload.ID)
}

// UploadByID reads an upload, cache first.
func (m *Manager) UploadByID(ctx context.Context, id string, userID int64) (*models.Upload, error) {
	if cached, ok := m.progress.loadUpload(id); ok && cached.UserID == userID {
		return cached, nil
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT id, user_id, campaign_id, kind, media_id, status, error, created_at, updated_at
		 FROM uploads WHERE id = ? AND user_id = ?`, id, userID)
	upload := &models.Upload{}
	err := row.Scan(&upload.ID, &upload.UserID, &upload.CampaignID, &upload.Kind,
		&upload.MediaID, &upload.Status, &upload.Error, &upload.CreatedAt, &upload.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load upload: %w", err)
	}
	return upload, nil
}

var ErrUploadNotFound = errors.New("upload not found")

// handleUpload runs one job end to end on a pool worker.
func (m *Manager) handleUpload(task *UploadTask) {
	if task == nil || task.upload == nil {
		return
	}
	ctx := context.Background()
	upload := task.upload
	started := time.Now()

	m.transition(ctx, upload, models.UploadUploading, "", "")

	direct, err := m.media.CreateDirectUpload(ctx)
	if err != nil {
		m.holdPerceived(started)
		m.transition(ctx, upload, models.UploadFailed, "", err.Error())
		return
	}
	if err := m.media.Upload(ctx, direct.UploadURL, task.filename, bytes.NewReader(task.data)); err != nil {
		m.holdPerceived(started)
		m.transition(ctx, upload, models.UploadFailed, "", err.Error())
		return
	}

	if _, err := m.responses.SubmitResponse(ctx, upload.CampaignID, upload.UserID, upload.Kind, direct.UID); err != nil {
		m.holdPerceived(started)
		m.transition(ctx, upload, models.UploadFailed, direct.UID, err.Error())
		return
	}

	m.holdPerceived(started)
	m.transition(ctx, upload, models.UploadComplete, direct.UID, "")
	debugLog("[manager] upload %s complete, media %s", upload.ID, direct.UID)
}

func (m *Manager) holdPerceived(started time.Time) {
	if remaining := minPerceivedDuration - time.Since(started); remaining > 0 {
		m.sleep(remaining)
	}
}

func (m *Manager) transition(ctx context.Context, upload *models.Upload, status, mediaID, errMsg string) {
	upload.Status = status
	upload.UpdatedAt = time.Now().UTC()
	if mediaID != "" {
		upload.MediaID = mediaID
	}
	upload.Error = errMsg

	if _, err := m.db.ExecContext(ctx,
		`UPDATE uploads SET status = ?, media_id = ?, error = ?, updated_at = ? WHERE id = ?`,
		upload.Status, upload.MediaID, upload.Error, upload.UpdatedAt, upload.ID); err != nil {
		log.Printf("upload %s state write failed: %v", upload.ID, err)
	}
	m.progress.cacheUpload(upload)
	m.progress.publish(ProgressEvent{
		UploadID:   upload.ID,
		UserID:     upload.UserID,
		CampaignID: upload.CampaignID,
		Status:     upload.Status,
		MediaID:    upload.MediaID,
		Error:      upload.Error,
	})
}
