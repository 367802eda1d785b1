package hare

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DirectDiskManager writes every page mutation straight to the file. Commit
// syncs, rollback is a no-op: the direct flavor offers durability but no
// atomicity, a crash mid-write corrupts the file and is only detected by
// the checksum on the next open.
type DirectDiskManager struct {
	*diskCore
}

// OpenDirect opens (or creates) a HARE data file with a direct disk
// manager. Opening a file that was not properly closed verifies the stored
// checksum and fails with ErrDataCorruption on mismatch.
func OpenDirect(logger *zap.Logger, path string, opts Options) (*DirectDiskManager, error) {
	core, created, err := openCore(logger, path, KindData, opts)
	if err != nil {
		return nil, err
	}
	if !created && !core.header.properlyClosed() {
		if err := core.verifyCRC(); err != nil {
			core.teardown()
			return nil, err
		}
		logger.Debug("recovered unclosed file via checksum", zap.String("path", path))
	}
	if err := core.markOpen(); err != nil {
		core.teardown()
		return nil, err
	}
	return &DirectDiskManager{diskCore: core}, nil
}

func (d *DirectDiskManager) Path() string  { return d.path }
func (d *DirectDiskManager) PageSize() int { return d.pageSize }

func (d *DirectDiskManager) MaximumPageID() PageID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header.MaximumPageID
}

func (d *DirectDiskManager) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header.Allocated
}

func (d *DirectDiskManager) Dangling() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header.Dangling
}

func (d *DirectDiskManager) Read(ctx context.Context, pageID PageID, page *Page) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.mu.Lock()
	maximum := d.header.MaximumPageID
	d.mu.Unlock()
	if err := d.checkRange(pageID, maximum); err != nil {
		return err
	}
	return d.readPage(pageID, page)
}

func (d *DirectDiskManager) ReadN(ctx context.Context, startPageID PageID, pages []*Page) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.mu.Lock()
	maximum := d.header.MaximumPageID
	d.mu.Unlock()
	if err := d.checkRange(startPageID, maximum); err != nil {
		return err
	}
	if err := d.checkRange(startPageID+PageID(len(pages))-1, maximum); err != nil {
		return err
	}
	return d.readPages(startPageID, pages)
}

func (d *DirectDiskManager) Update(ctx context.Context, pageID PageID, page *Page) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(pageID, d.header.MaximumPageID); err != nil {
		return err
	}
	return d.writePage(pageID, page.data)
}

func (d *DirectDiskManager) Allocate(ctx context.Context) (PageID, error) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return 0, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pageID, reused, err := d.allocateLocked()
	if err != nil {
		return 0, err
	}
	if reused {
		// A reused page may hold stale bytes, clear it.
		if err := d.writePage(pageID, make([]byte, d.pageSize)); err != nil {
			return 0, err
		}
	}
	d.logger.Debug("allocated page",
		zap.Int64("page_id", int64(pageID)),
		zap.Bool("reused", reused),
	)
	return pageID, nil
}

func (d *DirectDiskManager) Free(ctx context.Context, pageID PageID) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(pageID, d.header.MaximumPageID); err != nil {
		return err
	}
	d.freeLocked(pageID)
	return nil
}

// Commit flushes the header and syncs the file. Mutations are already in
// place; there is nothing transactional to apply.
func (d *DirectDiskManager) Commit(ctx context.Context) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.flushHeaderPage(); err != nil {
		return err
	}
	return d.file.Sync()
}

// Rollback is a no-op: the direct flavor cannot take writes back.
func (d *DirectDiskManager) Rollback(ctx context.Context) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *DirectDiskManager) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	if err := d.closeCore(); err != nil {
		return fmt.Errorf("close %q: %w", d.path, err)
	}
	return nil
}
