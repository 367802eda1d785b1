package hare

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WALDiskManager buffers page mutations in a write-ahead sidecar file; the
// data file is untouched until Commit replays the log into it. Rollback
// discards the sidecar. The sidecar only exists between the first mutation
// and a successful commit.
type WALDiskManager struct {
	*diskCore

	// walMu is held shared around appends and exclusively around commit
	// and rollback so they cannot interleave with concurrent appenders.
	walMu sync.RWMutex
	wal   *writeAheadLog

	// Shadow allocation state visible to the transaction before commit.
	// Guarded by mu of the embedded core.
	sAllocated int64
	sDangling  int64
	sMax       PageID
	sFree      []PageID

	// pending maps a page id to the sequence of its latest WAL entry, so
	// reads within the running transaction see buffered content instead
	// of the stale durable page. Guarded by mu.
	pending map[PageID]int64
}

// OpenWAL opens (or creates) a HARE data file with a write-ahead-logging
// disk manager. If the file was not properly closed and a WAL sidecar
// exists, the log is replayed from its transferred cursor; without a
// sidecar the stored checksum decides between recovery and
// ErrDataCorruption.
func OpenWAL(logger *zap.Logger, path string, opts Options) (*WALDiskManager, error) {
	core, created, err := openCore(logger, path, KindData, opts)
	if err != nil {
		return nil, err
	}
	m := &WALDiskManager{diskCore: core}

	if !created && !core.header.properlyClosed() {
		walPath := path + ".wal"
		if _, statErr := os.Stat(walPath); statErr == nil {
			if err := m.recover(walPath); err != nil {
				core.teardown()
				return nil, err
			}
		} else {
			if err := core.verifyCRC(); err != nil {
				core.teardown()
				return nil, err
			}
		}
	}
	if err := core.markOpen(); err != nil {
		core.teardown()
		return nil, err
	}
	m.resetShadow()
	return m, nil
}

// recover replays a leftover sidecar into the data file on open.
func (m *WALDiskManager) recover(walPath string) error {
	wal, err := openWAL(m.logger, walPath, m.pageSize)
	if err != nil {
		return err
	}
	// Allocations stay monotonic even when the crash hit after a WAL
	// append but before a header flush.
	if wal.pageIDStart > m.header.MaximumPageID {
		m.header.MaximumPageID = wal.pageIDStart
	}
	m.logger.Info("replaying write-ahead log",
		zap.String("path", walPath),
		zap.Int64("entries", wal.entries),
		zap.Int64("transferred", wal.transferred),
	)
	if err := wal.replay(m.apply); err != nil {
		wal.file.Close()
		return err
	}
	if err := m.flushHeaderPage(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	return wal.delete()
}

// apply performs the file-level mutation one WAL entry records. Caller
// must hold mu or be the only party touching the core.
func (m *WALDiskManager) apply(action WALAction, pageID PageID, payload []byte) error {
	if len(payload) == 0 && action != WALFree {
		payload = make([]byte, m.pageSize)
	}
	switch action {
	case WALUpdate:
		return m.writePage(pageID, payload)
	case WALAllocateAppend:
		if err := m.extendFor(pageID); err != nil {
			return err
		}
		if pageID > m.header.MaximumPageID {
			m.header.MaximumPageID = pageID
		}
		m.header.Allocated++
		return m.writePage(pageID, payload)
	case WALAllocateReuse:
		if !m.removeFree(pageID) {
			return fmt.Errorf("%w: reuse of page %d not on the free page stack", ErrDataCorruption, pageID)
		}
		m.header.Allocated++
		return m.writePage(pageID, payload)
	case WALFree:
		m.freeLocked(pageID)
		return nil
	default:
		return fmt.Errorf("%w: unknown wal action %d", ErrDataCorruption, uint32(action))
	}
}

// resetShadow re-seeds the transaction-visible allocation state from the
// durable header. Caller must ensure no concurrent mutations.
func (m *WALDiskManager) resetShadow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sAllocated = m.header.Allocated
	m.sDangling = m.header.Dangling
	m.sMax = m.header.MaximumPageID
	m.sFree = append(m.sFree[:0], m.free...)
}

// ensureWAL lazily creates the sidecar on the first mutation.
func (m *WALDiskManager) ensureWAL() (*writeAheadLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wal != nil {
		return m.wal, nil
	}
	wal, err := createWAL(m.logger, m.path+".wal", m.pageSize, m.header.MaximumPageID)
	if err != nil {
		return nil, err
	}
	m.wal = wal
	m.pending = make(map[PageID]int64)
	return wal, nil
}

func (m *WALDiskManager) Path() string  { return m.path }
func (m *WALDiskManager) PageSize() int { return m.pageSize }

func (m *WALDiskManager) MaximumPageID() PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wal != nil {
		return m.sMax
	}
	return m.header.MaximumPageID
}

func (m *WALDiskManager) Allocated() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wal != nil {
		return m.sAllocated
	}
	return m.header.Allocated
}

func (m *WALDiskManager) Dangling() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wal != nil {
		return m.sDangling
	}
	return m.header.Dangling
}

func (m *WALDiskManager) Read(ctx context.Context, pageID PageID, page *Page) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return m.readOne(pageID, page)
}

// readOne resolves a single page against pending WAL entries first. Caller
// holds the close lock.
func (m *WALDiskManager) readOne(pageID PageID, page *Page) error {
	m.mu.Lock()
	maximum := m.header.MaximumPageID
	wal := m.wal
	var pendingSeq int64
	if wal != nil {
		maximum = m.sMax
		pendingSeq = m.pending[pageID]
	}
	durable := m.header.MaximumPageID
	m.mu.Unlock()

	if err := m.checkRange(pageID, maximum); err != nil {
		return err
	}
	if pendingSeq > 0 {
		// The running transaction buffered a newer version of this page.
		return wal.readEntryPayload(pendingSeq, page.data)
	}
	if pageID > durable {
		// Allocated in the running transaction, not yet promoted.
		page.reset()
		return nil
	}
	return m.readPage(pageID, page)
}

func (m *WALDiskManager) ReadN(ctx context.Context, startPageID PageID, pages []*Page) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.mu.Lock()
	maximum := m.header.MaximumPageID
	anyPending := false
	if m.wal != nil {
		maximum = m.sMax
		for i := range pages {
			if m.pending[startPageID+PageID(i)] > 0 {
				anyPending = true
				break
			}
		}
	}
	m.mu.Unlock()

	if err := m.checkRange(startPageID, maximum); err != nil {
		return err
	}
	if err := m.checkRange(startPageID+PageID(len(pages))-1, maximum); err != nil {
		return err
	}
	if anyPending {
		for i, p := range pages {
			if err := m.readOne(startPageID+PageID(i), p); err != nil {
				return err
			}
		}
		return nil
	}
	return m.readPages(startPageID, pages)
}

func (m *WALDiskManager) Update(ctx context.Context, pageID PageID, page *Page) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.walMu.RLock()
	defer m.walMu.RUnlock()

	wal, err := m.ensureWAL()
	if err != nil {
		return err
	}
	m.mu.Lock()
	maximum := m.sMax
	m.mu.Unlock()
	if err := m.checkRange(pageID, maximum); err != nil {
		return err
	}
	seq, err := wal.append(WALUpdate, pageID, page.data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.pending[pageID] = seq
	m.mu.Unlock()
	return nil
}

func (m *WALDiskManager) Allocate(ctx context.Context) (PageID, error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.walMu.RLock()
	defer m.walMu.RUnlock()

	wal, err := m.ensureWAL()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	var (
		pageID PageID
		action WALAction
	)
	if n := len(m.sFree); n > 0 {
		pageID = m.sFree[n-1]
		m.sFree = m.sFree[:n-1]
		action = WALAllocateReuse
	} else {
		pageID = m.sMax + 1
		m.sMax = pageID
		action = WALAllocateAppend
	}
	m.sAllocated++
	m.mu.Unlock()

	seq, err := wal.append(action, pageID, make([]byte, m.pageSize))
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.pending[pageID] = seq
	m.mu.Unlock()
	m.logger.Debug("allocated page via wal",
		zap.Int64("page_id", int64(pageID)),
		zap.String("action", action.String()),
	)
	return pageID, nil
}

func (m *WALDiskManager) Free(ctx context.Context, pageID PageID) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.walMu.RLock()
	defer m.walMu.RUnlock()

	wal, err := m.ensureWAL()
	if err != nil {
		return err
	}
	m.mu.Lock()
	if err := m.checkRange(pageID, m.sMax); err != nil {
		m.mu.Unlock()
		return err
	}
	m.sAllocated--
	if len(m.sFree) < m.freeStackCapacity() {
		m.sFree = append(m.sFree, pageID)
	} else {
		m.sDangling++
	}
	m.mu.Unlock()

	_, err = wal.append(WALFree, pageID, nil)
	return err
}

// Commit replays the sidecar into the data file entry by entry, advancing
// the transferred cursor between entries, then deletes the sidecar. After
// Commit returns, all buffered writes are visible to any new reader.
func (m *WALDiskManager) Commit(ctx context.Context) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.walMu.Lock()
	defer m.walMu.Unlock()

	if m.wal == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.wal.replay(m.apply); err != nil {
		return err
	}
	if err := m.flushHeaderPage(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return err
	}
	if err := m.wal.delete(); err != nil {
		return err
	}
	m.wal = nil
	m.pending = nil
	m.sAllocated = m.header.Allocated
	m.sDangling = m.header.Dangling
	m.sMax = m.header.MaximumPageID
	m.sFree = append(m.sFree[:0], m.free...)
	return nil
}

// Rollback discards the sidecar; the data file never saw the mutations.
func (m *WALDiskManager) Rollback(ctx context.Context) error {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	m.walMu.Lock()
	defer m.walMu.Unlock()

	if m.wal == nil {
		return nil
	}
	if err := m.wal.delete(); err != nil {
		return err
	}
	m.wal = nil
	m.pending = nil
	m.resetShadow()
	return nil
}

// Close aborts any uncommitted transaction (the sidecar is discarded) and
// releases the file.
func (m *WALDiskManager) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.closed = true

	var err error
	if m.wal != nil {
		err = m.wal.delete()
		m.wal = nil
	}
	err = multierr.Append(err, m.closeCore())
	if err != nil {
		return fmt.Errorf("close %q: %w", m.path, err)
	}
	return nil
}
