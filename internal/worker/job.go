package worker

import "ansr/internal/models"

type JobType int

const (
	Upload JobType = iota
	Stop
)

// UploadTask carries one media blob through the pipeline.
type UploadTask struct {
	upload   *models.Upload
	filename string
	data     []byte
}

type Job struct {
	Type       JobType
	UploadTask *UploadTask
}

func (job Job) userID() int64 {
	if job.Type == Upload && job.UploadTask != nil && job.UploadTask.upload != nil {
		return job.UploadTask.upload.UserID
	}
	return 0
}
