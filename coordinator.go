// Package store implements a persistent, reference-counted message store
// with online compaction, run by a single background coordinator goroutine
// in the style of go.gazette.dev/core/broker/fragment.Persister's Serve
// loop: commands drain off channels in priority order, and a ticker drives
// periodic group-commit fsyncs.
package store

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/axiomq/store/internal/store/cache"
	"github.com/axiomq/store/internal/store/kv"
	"github.com/axiomq/store/internal/store/metrics"
	"github.com/axiomq/store/internal/store/msgloc"
	"github.com/axiomq/store/internal/store/queueseq"
	"github.com/axiomq/store/internal/store/segment"
	"github.com/axiomq/store/internal/store/segsum"
)

// taskResult carries a dispatched task's outcome back to its caller.
type taskResult struct {
	val interface{}
	err error
}

// errDeferred marks a task whose reply is withheld until a later fsync
// (spec.md §4.F: tx_commit's reply is deferred to the group-commit that
// durably covers it).
var errDeferred = errors.New("store: reply deferred to next fsync")

// task is one unit of work submitted to the coordinator. fn runs on the
// coordinator goroutine with exclusive access to Store's unexported fields,
// mirroring spec.md §5's single-writer model: there is exactly one mutator
// of durable and in-memory state, so fn needs no locking of its own.
type task struct {
	fn    func(s *Store) (interface{}, error)
	reply chan taskResult
}

// Store is a running message store. Construct one with Open.
type Store struct {
	cfg Config

	opsCh  chan task
	ctrlCh chan task
	stopCh chan struct{}
	doneCh chan struct{}

	// Coordinator-owned state. Touched only inside run(); safe without
	// locking because exactly one goroutine ever mutates it.
	kvStore        kv.Store
	summaries      *segsum.Index
	locations      *msgloc.Selector
	queues         *queueseq.Index
	readCache      *segment.ReadCache
	payloadCache   *cache.Cache
	mode           Mode
	current        *segment.File
	currentNum     segment.Number
	dirty          map[segment.Number]struct{}
	lastSyncOffset int64
	unsynced       bool
	pendingCommits []chan taskResult
	commitTicker   *time.Ticker

	stopOnce sync.Once
}

// Open recovers store state from |cfg.Dir| (spec.md §4.F step-by-step
// recovery) and starts the coordinator goroutine.
func Open(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.WithMessagef(err, "creating store dir %s", cfg.Dir)
	}

	var boltStore, err = kv.OpenBolt(filepath.Join(cfg.Dir, "axiomq.db"))
	if err != nil {
		return nil, err
	}

	var s = &Store{
		cfg:          cfg,
		opsCh:        make(chan task, cfg.OpsQueueDepth),
		ctrlCh:       make(chan task, 16),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		kvStore:      boltStore,
		summaries:    segsum.New(),
		readCache:    segment.NewReadCache(cfg.Dir, cfg.ReadCacheSize),
		payloadCache: cache.New(cfg.MessageCacheBytes),
		mode:         cfg.InitialMode,
		dirty:        make(map[segment.Number]struct{}),
		commitTicker: time.NewTicker(cfg.CommitInterval),
	}

	if s.queues, err = queueseq.Open(boltStore); err != nil {
		boltStore.Close()
		return nil, err
	}

	if err = s.recover(); err != nil {
		boltStore.Close()
		return nil, errors.WithMessage(err, "recovering store")
	}

	go s.run()
	return s, nil
}

// dispatch submits |t| to the ops channel and, if it carries a reply
// channel, blocks for the result.
func (s *Store) dispatch(t task) (interface{}, error) {
	select {
	case s.opsCh <- t:
	case <-s.doneCh:
		return nil, ErrStopped
	}
	if t.reply == nil {
		return nil, nil
	}
	select {
	case r := <-t.reply:
		return r.val, r.err
	case <-s.doneCh:
		return nil, ErrStopped
	}
}

// dispatchCtrl is dispatch's counterpart for the elevated-priority control
// channel, used by the mode-switch operations (ToDiskOnlyMode,
// ToRAMDiskMode, SetMode). The group-commit fsync does not go through it;
// it runs off the commit ticker in run.
func (s *Store) dispatchCtrl(t task) (interface{}, error) {
	select {
	case s.ctrlCh <- t:
	case <-s.doneCh:
		return nil, ErrStopped
	}
	if t.reply == nil {
		return nil, nil
	}
	select {
	case r := <-t.reply:
		return r.val, r.err
	case <-s.doneCh:
		return nil, ErrStopped
	}
}

// run is the coordinator's single-threaded cooperative loop (spec.md §5):
// it drains the control channel ahead of ordinary operations, and fires a
// group-commit fsync on its own timer independent of the channels.
func (s *Store) run() {
	defer close(s.doneCh)
	defer s.commitTicker.Stop()

	for {
		select {
		case t := <-s.ctrlCh:
			s.exec(t)
			continue
		default:
		}

		select {
		case t := <-s.ctrlCh:
			s.exec(t)
		case t := <-s.opsCh:
			s.exec(t)
		case <-s.commitTicker.C:
			s.onCommitTick()
		case <-s.stopCh:
			s.onStop()
			return
		}
	}
}

func (s *Store) exec(t task) {
	var val, err = t.fn(s)
	if err == errDeferred {
		return // fn has already stashed t.reply into s.pendingCommits.
	}
	if t.reply != nil {
		t.reply <- taskResult{val, err}
	} else if err != nil {
		log.WithError(err).Warn("async store operation failed")
	}
}

// onCommitTick runs the group-commit policy (spec.md §4.F): if the current
// segment has unsynced writes, fsync it and release every deferred
// tx_commit waiter; on fsync failure, propagate the error to all of them
// (spec.md §7, "fsync failure").
func (s *Store) onCommitTick() {
	if !s.unsynced {
		return
	}
	var start = time.Now()
	var err = s.current.Sync()
	metrics.FsyncTotal.Inc()
	metrics.FsyncSecondsTotal.Add(time.Since(start).Seconds())

	if err == nil {
		s.lastSyncOffset = s.current.End()
		s.unsynced = false
	} else {
		log.WithError(err).Error("fsync of current segment failed")
	}

	for _, rc := range s.pendingCommits {
		rc <- taskResult{nil, err}
	}
	s.pendingCommits = nil
}

// fsyncNow forces an immediate, synchronous fsync of the current segment,
// used before a segment roll, on stop, and by reads of records that extend
// beyond the last sync offset (spec.md §4.A).
func (s *Store) fsyncNow() error {
	if !s.unsynced {
		return nil
	}
	var start = time.Now()
	var err = s.current.Sync()
	metrics.FsyncTotal.Inc()
	metrics.FsyncSecondsTotal.Add(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	s.lastSyncOffset = s.current.End()
	s.unsynced = false
	return nil
}

func (s *Store) onStop() {
	if err := s.fsyncNow(); err != nil {
		log.WithError(err).Error("final fsync during stop failed")
	}
	for _, rc := range s.pendingCommits {
		rc <- taskResult{nil, ErrStopped}
	}
	s.pendingCommits = nil

	if s.current != nil {
		_ = s.current.Close()
	}
	s.readCache.Purge()
	if err := s.kvStore.Close(); err != nil {
		log.WithError(err).Error("closing kv store during stop failed")
	}
}

// Stop fsyncs outstanding writes and shuts the coordinator down. It blocks
// until the coordinator goroutine has exited.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// StopAndObliterate stops the store and then removes its entire directory,
// including all segment files and the bolt database (spec.md §4.F:
// "stop_and_obliterate").
func (s *Store) StopAndObliterate() error {
	s.Stop()
	return os.RemoveAll(s.cfg.Dir)
}
