package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"ansr/internal/models"
	"ansr/internal/stream"
)

type countingResponder struct {
	mu   sync.Mutex
	done chan string
}

func (c *countingResponder) SubmitResponse(ctx context.Context, campaignID string, userID int64, kind models.MessageType, content string) (*models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done <- content
	return &models.Message{Content: content}, nil
}

func TestDispatcherDrainsJobsAcrossUsers(t *testing.T) {
	media := &stubMedia{direct: &stream.DirectUpload{UID: "media-d"}}
	responder := &countingResponder{done: make(chan string, 16)}
	db := openUploadDB(t)
	if _, err := db.Exec(`INSERT INTO users (id, email, password_hash, metadata, created_at, updated_at)
		VALUES (2, 'two@example.com', '', '{}', datetime('now'), datetime('now'))`); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	m := NewManager(db, nil, media, responder)
	m.sleep = func(time.Duration) {}
	d := NewDispatcher(2, 4, 16, m, time.Minute)
	ctx := context.Background()

	const jobsPerUser = 3
	for i := 0; i < jobsPerUser; i++ {
		for _, userID := range []int64{1, 2} {
			_, job, err := m.CreateUpload(ctx, userID, "camp-1", models.MessageVideo, "take.webm", []byte("blob"))
			if err != nil {
				t.Fatalf("CreateUpload: %v", err)
			}
			d.JobQueue <- job
		}
	}

	deadline := time.After(5 * time.Second)
	for i := 0; i < jobsPerUser*2; i++ {
		select {
		case <-responder.done:
		case <-deadline:
			t.Fatalf("only %d of %d jobs completed", i, jobsPerUser*2)
		}
	}
}
