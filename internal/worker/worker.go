package worker

type worker struct {
	pool       *jobChannelPool
	manager    *Manager
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool, manager *Manager) *worker {
	return &worker{
		pool:       pool,
		manager:    manager,
		jobChannel: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		// announce availability before the first job
		w.pool.release(w.jobChannel)
		for job := range w.jobChannel {
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.manager.handleUpload(job.UploadTask)
			w.pool.release(w.jobChannel)
		}
	}()
}
