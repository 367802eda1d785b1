package hare

import "fmt"

// Page type tags. The first four bytes of every structured page carry the
// tag of the view laid over it; wrapping a view around a page with a
// different tag fails with ErrCorruptPage.
const (
	TagUninitialised  uint32 = 0
	TagSlotted        uint32 = 128
	TagDirectory      uint32 = 129
	TagFixedHeader    uint32 = 512
	TagVariableHeader uint32 = 513
)

// initView stamps the tag onto a page, claiming it for a view. The page is
// expected to be freshly allocated (zeroed).
func initView(p *Page, tag uint32) {
	p.PutUint32(0, tag)
}

// wrapView validates that the page carries the expected tag.
func wrapView(p *Page, tag uint32) error {
	if actual := p.Uint32(0); actual != tag {
		return fmt.Errorf("%w: expected page tag %d, found %d", ErrCorruptPage, tag, actual)
	}
	return nil
}

// Entry flag bits shared by slotted pages and directory entries.
const (
	flagNull    byte = 1 << 0
	flagDeleted byte = 1 << 1
)
