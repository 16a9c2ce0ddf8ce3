// Package requestlog buffers local-API request records and writes them
// into the local store in batches, off the request path.
package requestlog

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/metergrid/syncagent/internal/model"
)

var logger = log.WithField("component", "requestlog")

// Sink receives flushed batches. *store.Store satisfies it.
type Sink interface {
	InsertAPIRequests(entries []model.APIRequest) (int, error)
}

// Service is an async request log writer. Record performs a non-blocking
// channel send (drops on overflow); a background goroutine flushes
// batches to the sink.
type Service struct {
	sink      Sink
	queue     chan model.APIRequest
	batchSize int
	interval  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceConfig configures the request log service.
type ServiceConfig struct {
	Sink          Sink
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates a stopped request log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 128
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Service{
		sink:      cfg.Sink,
		queue:     make(chan model.APIRequest, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining entries, and returns.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// Record enqueues a request record. Non-blocking; drops on overflow so a
// slow store never stalls the API.
func (s *Service) Record(entry model.APIRequest) {
	select {
	case s.queue <- entry:
	default:
	}
}

// flushLoop runs until stopCh is closed, flushing on batch-size or timer.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]model.APIRequest, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []model.APIRequest) {
	for {
		select {
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(entries []model.APIRequest) {
	n, err := s.sink.InsertAPIRequests(entries)
	if err != nil {
		logger.WithError(err).WithField("entries", len(entries)).Warn("request log flush failed")
		return
	}
	if n > 0 {
		logger.WithField("entries", n).Debug("request log flushed")
	}
}
