package manifest

import (
	"bufio"
	"io"
	"os"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/skipor/tierset/log"
)

const MinSyncPeriod = 100 * time.Millisecond
const Perm = 0664

type Config struct {
	Name       string
	SyncPeriod time.Duration
	RotateSize int64 // Journal size, after which compaction runs.
	BuffSize   int   // 0 if no buffering.
}

// StateSource provides the full current state for compaction.
type StateSource interface {
	ManifestState() State
}

// Journal is the append-only manifest file. Appends are serialized by an
// internal lock; callers that need journal order to match commit order
// must append before releasing the lock that ordered the commit.
type Journal struct {
	conf   Config
	log    log.Logger
	source StateSource

	// lock protects fields below.
	lock    sync.Mutex
	writer  io.Writer
	flusher flusher
	file    *os.File
	size    int64
}

type flusher interface {
	Flush() error
}

type nopFlusher struct{}

func (nopFlusher) Flush() error { return nil }

// Open opens or creates the journal. source supplies state snapshots for
// compaction and may be nil if Compact is never used.
func Open(l log.Logger, source StateSource, conf Config) (*Journal, error) {
	j := &Journal{
		conf:   conf,
		log:    l,
		source: source,
	}
	if err := j.init(); err != nil {
		return nil, err
	}
	if !j.isSyncEveryAppend() {
		j.startSync()
	}
	return j, nil
}

func (j *Journal) init() error {
	file, err := os.OpenFile(j.conf.Name, os.O_WRONLY|os.O_APPEND|os.O_CREATE, Perm)
	if err != nil {
		return stackerr.Wrap(err)
	}
	stat, err := file.Stat()
	if err != nil {
		return stackerr.Wrap(err)
	}
	j.size = stat.Size()
	j.file = file
	if j.conf.BuffSize == 0 {
		j.writer = file
		j.flusher = nopFlusher{}
	} else {
		bufWriter := bufio.NewWriterSize(file, j.conf.BuffSize)
		j.writer = bufWriter
		j.flusher = bufWriter
	}
	j.log.Debug("Manifest journal opened.")
	return nil
}

func (j *Journal) isSyncEveryAppend() bool {
	return j.conf.SyncPeriod < MinSyncPeriod
}

// Append writes one record. When the journal grows past RotateSize it is
// compacted in place into a snapshot of current state.
func (j *Journal) Append(rec Record) error {
	frame, err := encodeFrame(rec)
	if err != nil {
		return err
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.isClosed() {
		return stackerr.New("append to closed journal")
	}
	n, err := j.writer.Write(frame)
	j.size += int64(n)
	if err != nil {
		return stackerr.Wrap(err)
	}
	if j.isSyncEveryAppend() {
		if err := j.sync(); err != nil {
			return err
		}
	}
	if j.conf.RotateSize != 0 && j.size > j.conf.RotateSize && j.source != nil {
		return j.compact()
	}
	return nil
}

// Compact rewrites the journal as a snapshot of the current state.
func (j *Journal) Compact() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.isClosed() {
		return stackerr.New("compact closed journal")
	}
	return j.compact()
}

// compact writes current state into a temp file and atomically replaces
// the journal, so no data corruption on failure. Caller holds the lock.
func (j *Journal) compact() error {
	if j.source == nil {
		return stackerr.New("no state source for compaction")
	}
	j.log.Info("Manifest compaction started.")
	tmp, err := os.CreateTemp("", "rotating_manifest_")
	if err != nil {
		return stackerr.Wrap(err)
	}
	if err := tmp.Chmod(Perm); err != nil {
		return stackerr.Wrap(err)
	}
	if err := WriteSnapshot(tmp, j.source.ManifestState()); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return stackerr.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return stackerr.Wrap(err)
	}
	if err := j.closeFile(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), j.conf.Name); err != nil {
		return stackerr.Wrap(err)
	}
	if err := j.init(); err != nil {
		return err
	}
	j.log.Info("Manifest compaction finished.")
	return nil
}

func (j *Journal) sync() error {
	if err := j.flusher.Flush(); err != nil {
		return stackerr.Wrap(err)
	}
	return stackerr.Wrap(j.file.Sync())
}

func (j *Journal) isClosed() bool { return j.file == nil }

func (j *Journal) closeFile() error {
	j.flusher.Flush()
	err := j.file.Close()
	j.file = nil // Mark as closed; stops the sync goroutine.
	return stackerr.Wrap(err)
}

func (j *Journal) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if j.isClosed() {
		return nil
	}
	return j.closeFile()
}

func (j *Journal) startSync() {
	go func() {
		ticker := time.NewTicker(j.conf.SyncPeriod)
		defer ticker.Stop()
		var prevSize int64
		for range ticker.C {
			j.lock.Lock()
			if j.isClosed() {
				j.lock.Unlock()
				return
			}
			if j.size != prevSize {
				prevSize = j.size
				j.sync()
			}
			j.lock.Unlock()
		}
	}()
}

// WriteSnapshot writes a full state as a fresh journal: config header,
// phase, then one item record per item with its current tier.
func WriteSnapshot(w io.Writer, st State) error {
	write := func(rec Record) error {
		frame, err := encodeFrame(rec)
		if err != nil {
			return err
		}
		_, err = w.Write(frame)
		return stackerr.Wrap(err)
	}
	conf := st.Config
	if err := write(Record{Type: recordConfig, Config: &conf}); err != nil {
		return err
	}
	if err := write(Record{Type: recordPhase, Phase: st.Phase}); err != nil {
		return err
	}
	for i := range st.Items {
		if err := write(Record{Type: recordItem, Item: &st.Items[i]}); err != nil {
			return err
		}
	}
	return nil
}
