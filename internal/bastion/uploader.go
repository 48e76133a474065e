package bastion

import (
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bastion/internal/store"
)

// Uploader copies local files to the remote store through a bounded worker
// pool. Uploads are best effort and deduplicated by destination: a file
// already queued is not queued again, and a failed upload is retried the next
// time it is enqueued.
type Uploader struct {
	store   store.Store
	logger  *slog.Logger
	limiter *rate.Limiter

	tasks chan uploadTask

	mu     sync.Mutex
	queued map[string]bool

	wg   sync.WaitGroup
	stop context.CancelFunc
}

type uploadTask struct {
	localPath  string
	remotePath string
}

// UploaderConfig sizes the pool.
type UploaderConfig struct {
	Store store.Store
	// Workers is the number of concurrent uploads. Defaults to 4.
	Workers int
	// RPS caps upload starts per second across all workers. Defaults to 10.
	RPS float64
	// QueueSize bounds the pending task queue. Defaults to 1024.
	QueueSize int
	Logger    *slog.Logger
}

// NewUploader starts the worker pool. Call Stop to drain it.
func NewUploader(cfg UploaderConfig) *Uploader {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &Uploader{
		store:   cfg.Store,
		logger:  cfg.Logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Workers),
		tasks:   make(chan uploadTask, cfg.QueueSize),
		queued:  make(map[string]bool),
		stop:    cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		u.wg.Add(1)
		go u.worker(ctx)
	}
	return u
}

// Enqueue schedules localPath for upload to remotePath. Never blocks; when
// the queue is full or the destination is already queued the task is dropped
// and will be picked up by the next Mirror pass.
func (u *Uploader) Enqueue(localPath, remotePath string) {
	u.mu.Lock()
	if u.queued[remotePath] {
		u.mu.Unlock()
		return
	}
	u.queued[remotePath] = true
	u.mu.Unlock()

	select {
	case u.tasks <- uploadTask{localPath: localPath, remotePath: remotePath}:
	default:
		u.mu.Lock()
		delete(u.queued, remotePath)
		u.mu.Unlock()
		u.logger.Warn("upload queue full, dropping", "remote", remotePath)
	}
}

// Mirror enqueues every regular file under localDir for upload to the same
// relative path under remoteDir.
func (u *Uploader) Mirror(localDir, remoteDir string) {
	_ = filepath.WalkDir(localDir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(localDir, p)
		if rerr != nil {
			return nil
		}
		u.Enqueue(p, path.Join(remoteDir, filepath.ToSlash(rel)))
		return nil
	})
}

// MirrorEvery runs Mirror on a ticker until ctx is done.
func (u *Uploader) MirrorEvery(ctx context.Context, localDir, remoteDir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Mirror(localDir, remoteDir)
		}
	}
}

// Stop cancels the workers and waits for in-flight uploads to finish.
func (u *Uploader) Stop() {
	u.stop()
	u.wg.Wait()
}

func (u *Uploader) worker(ctx context.Context) {
	defer u.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-u.tasks:
			if err := u.limiter.Wait(ctx); err != nil {
				return
			}
			u.upload(ctx, task)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, task uploadTask) {
	defer func() {
		u.mu.Lock()
		delete(u.queued, task.remotePath)
		u.mu.Unlock()
	}()
	data, err := os.ReadFile(task.localPath)
	if err != nil {
		// The local file may have been removed after enqueue.
		u.logger.Warn("read for upload", "local", task.localPath, "error", err)
		return
	}
	if err := u.store.Write(ctx, task.remotePath, data); err != nil {
		u.logger.Warn("upload failed", "remote", task.remotePath, "error", err)
	}
}
