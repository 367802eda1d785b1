package hare

import (
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"go.uber.org/zap"
)

// WALAction identifies the file-level mutation a WAL entry records.
type WALAction uint32

const (
	// WALUpdate overwrites the payload at the entry's page id.
	WALUpdate WALAction = iota
	// WALAllocateAppend extends the allocated page count and writes the
	// payload at the new page id (current maximum + 1).
	WALAllocateAppend
	// WALAllocateReuse pops the entry's page id from the free page stack
	// and writes the payload there.
	WALAllocateReuse
	// WALFree pushes the page id onto the free page stack, or marks it
	// dangling when the stack is full.
	WALFree
)

func (a WALAction) String() string {
	switch a {
	case WALUpdate:
		return "UPDATE"
	case WALAllocateAppend:
		return "ALLOCATE_APPEND"
	case WALAllocateReuse:
		return "ALLOCATE_REUSE"
	case WALFree:
		return "FREE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(a))
	}
}

const (
	walHeaderSize = 60
	// walEntrySize is the fixed envelope in front of each entry payload:
	// sequence (8), action (4), payload size (4), page id (8).
	walEntrySize = 24

	walOffKind        = 8
	walOffVersion     = 12
	walOffEntries     = 16
	walOffTransferred = 24
	walOffPageIDStart = 32
	walOffChecksum    = 40
)

// writeAheadLog is the append-only sidecar of the WAL disk manager. The
// header occupies the first page; every entry starts on a page boundary.
type writeAheadLog struct {
	logger   *zap.Logger
	path     string
	file     *os.File
	pageSize int

	// mu serialises concurrent appenders; replay runs under the owning
	// manager's exclusive WAL lock.
	mu sync.Mutex

	entries     int64
	transferred int64
	pageIDStart PageID
	checksum    uint32

	// offsets[i] is the file offset of entry with sequence i+1; the last
	// element is the append position.
	offsets []int64
}

// createWAL initialises a fresh write-ahead log sidecar.
func createWAL(logger *zap.Logger, path string, pageSize int, maxPageID PageID) (*writeAheadLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create wal %q: %w", path, err)
	}
	w := &writeAheadLog{
		logger:      logger,
		path:        path,
		file:        file,
		pageSize:    pageSize,
		pageIDStart: maxPageID,
		offsets:     []int64{int64(pageSize)},
	}
	if err := w.flushHeader(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	logger.Debug("created write-ahead log", zap.String("path", path))
	return w, nil
}

// openWAL reads an existing sidecar, walking all entries to validate the
// rolling checksum. Fails with ErrDataCorruption on any mismatch.
func openWAL(logger *zap.Logger, path string, pageSize int) (*writeAheadLog, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %q: %w", path, err)
	}
	w := &writeAheadLog{
		logger:   logger,
		path:     path,
		file:     file,
		pageSize: pageSize,
	}

	buf := make([]byte, walHeaderSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: unreadable wal header: %v", ErrDataCorruption, err)
	}
	for i, b := range hareMagic {
		if buf[i] != b {
			file.Close()
			return nil, fmt.Errorf("%w: bad wal magic", ErrDataCorruption)
		}
	}
	if kind := FileKind(getUint32(buf, walOffKind)); kind != KindWAL {
		file.Close()
		return nil, fmt.Errorf("%w: wal file kind %d", ErrDataCorruption, kind)
	}
	if version := getUint32(buf, walOffVersion); version != fileVersion {
		file.Close()
		return nil, fmt.Errorf("%w: unsupported wal version %d", ErrDataCorruption, version)
	}
	w.entries = int64(getUint64(buf, walOffEntries))
	w.transferred = int64(getUint64(buf, walOffTransferred))
	w.pageIDStart = PageID(getUint64(buf, walOffPageIDStart))
	w.checksum = uint32(getUint64(buf, walOffChecksum))

	if w.entries < 0 || w.transferred < 0 || w.transferred > w.entries {
		file.Close()
		return nil, fmt.Errorf("%w: wal counters entries=%d transferred=%d", ErrDataCorruption, w.entries, w.transferred)
	}

	// Walk the entries, rebuilding offsets and the rolling checksum.
	w.offsets = make([]int64, 1, w.entries+1)
	w.offsets[0] = int64(pageSize)
	var crc uint32
	offset := int64(pageSize)
	envelope := make([]byte, walEntrySize)
	for seq := int64(1); seq <= w.entries; seq++ {
		if _, err := file.ReadAt(envelope, offset); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: truncated wal entry %d: %v", ErrDataCorruption, seq, err)
		}
		if got := int64(getUint64(envelope, 0)); got != seq {
			file.Close()
			return nil, fmt.Errorf("%w: wal sequence %d, expected %d", ErrDataCorruption, got, seq)
		}
		payloadSize := int(getUint32(envelope, 12))
		if payloadSize < 0 || payloadSize > pageSize {
			file.Close()
			return nil, fmt.Errorf("%w: wal payload size %d", ErrDataCorruption, payloadSize)
		}
		crc = crc32.Update(crc, castagnoli, envelope)
		if payloadSize > 0 {
			payload := make([]byte, payloadSize)
			if _, err := file.ReadAt(payload, offset+walEntrySize); err != nil {
				file.Close()
				return nil, fmt.Errorf("%w: truncated wal payload %d: %v", ErrDataCorruption, seq, err)
			}
			crc = crc32.Update(crc, castagnoli, payload)
		}
		offset += entryExtent(payloadSize, pageSize)
		w.offsets = append(w.offsets, offset)
	}
	if crc != w.checksum {
		file.Close()
		return nil, fmt.Errorf("%w: wal checksum mismatch, stored %d, computed %d", ErrDataCorruption, w.checksum, crc)
	}
	return w, nil
}

// entryExtent is the on-disk footprint of one entry, rounded up to pages.
func entryExtent(payloadSize, pageSize int) int64 {
	raw := int64(walEntrySize + payloadSize)
	pages := (raw + int64(pageSize) - 1) / int64(pageSize)
	return pages * int64(pageSize)
}

func (w *writeAheadLog) flushHeader() error {
	buf := make([]byte, walHeaderSize)
	copy(buf[0:8], hareMagic)
	putUint32(buf, walOffKind, uint32(KindWAL))
	putUint32(buf, walOffVersion, fileVersion)
	putUint64(buf, walOffEntries, uint64(w.entries))
	putUint64(buf, walOffTransferred, uint64(w.transferred))
	putUint64(buf, walOffPageIDStart, uint64(w.pageIDStart))
	putUint64(buf, walOffChecksum, uint64(w.checksum))
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("write wal header: %w", err)
	}
	return nil
}

// append writes one entry, updates the rolling checksum and flushes the
// header. Returns the entry's sequence number.
func (w *writeAheadLog) append(action WALAction, pageID PageID, payload []byte) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(payload) > w.pageSize {
		return 0, fmt.Errorf("wal payload of %d bytes exceeds page size %d", len(payload), w.pageSize)
	}
	seq := w.entries + 1
	offset := w.offsets[len(w.offsets)-1]

	envelope := make([]byte, walEntrySize)
	putUint64(envelope, 0, uint64(seq))
	putUint32(envelope, 8, uint32(action))
	putUint32(envelope, 12, uint32(len(payload)))
	putUint64(envelope, 16, uint64(pageID))

	if _, err := w.file.WriteAt(envelope, offset); err != nil {
		return 0, fmt.Errorf("append wal entry %d: %w", seq, err)
	}
	if len(payload) > 0 {
		if _, err := w.file.WriteAt(payload, offset+walEntrySize); err != nil {
			return 0, fmt.Errorf("append wal payload %d: %w", seq, err)
		}
	}

	w.checksum = crc32.Update(w.checksum, castagnoli, envelope)
	w.checksum = crc32.Update(w.checksum, castagnoli, payload)
	w.entries = seq
	w.offsets = append(w.offsets, offset+entryExtent(len(payload), w.pageSize))

	if err := w.flushHeader(); err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync wal: %w", err)
	}
	return seq, nil
}

// replay feeds every entry after transferred to the consumer, advancing
// and flushing the transferred cursor after each successful application.
func (w *writeAheadLog) replay(consumer func(action WALAction, pageID PageID, payload []byte) error) error {
	envelope := make([]byte, walEntrySize)
	for seq := w.transferred + 1; seq <= w.entries; seq++ {
		offset := w.offsets[seq-1]
		if _, err := w.file.ReadAt(envelope, offset); err != nil {
			return fmt.Errorf("%w: unreadable wal entry %d: %v", ErrDataCorruption, seq, err)
		}
		action := WALAction(getUint32(envelope, 8))
		payloadSize := int(getUint32(envelope, 12))
		pageID := PageID(getUint64(envelope, 16))

		var payload []byte
		if payloadSize > 0 {
			payload = make([]byte, payloadSize)
			if _, err := w.file.ReadAt(payload, offset+walEntrySize); err != nil {
				return fmt.Errorf("%w: unreadable wal payload %d: %v", ErrDataCorruption, seq, err)
			}
		}

		if err := consumer(action, pageID, payload); err != nil {
			return fmt.Errorf("replay wal entry %d (%s): %w", seq, action, err)
		}

		w.transferred = seq
		if err := w.flushHeader(); err != nil {
			return err
		}
	}
	return w.file.Sync()
}

// readEntryPayload copies the payload of the entry with the given sequence
// number into dst, zero-filling any remainder.
func (w *writeAheadLog) readEntryPayload(seq int64, dst []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq < 1 || seq > w.entries {
		return fmt.Errorf("wal sequence %d outside [1, %d]", seq, w.entries)
	}
	offset := w.offsets[seq-1]
	envelope := make([]byte, walEntrySize)
	if _, err := w.file.ReadAt(envelope, offset); err != nil {
		return fmt.Errorf("read wal entry %d: %w", seq, err)
	}
	payloadSize := int(getUint32(envelope, 12))
	if payloadSize > len(dst) {
		payloadSize = len(dst)
	}
	if payloadSize > 0 {
		if _, err := w.file.ReadAt(dst[:payloadSize], offset+walEntrySize); err != nil {
			return fmt.Errorf("read wal payload %d: %w", seq, err)
		}
	}
	for i := payloadSize; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

// delete closes and removes the sidecar after a full replay or rollback.
func (w *writeAheadLog) delete() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete wal: %w", err)
	}
	w.logger.Debug("deleted write-ahead log", zap.String("path", w.path))
	return nil
}

// size reports the current sidecar size in bytes.
func (w *writeAheadLog) size() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
