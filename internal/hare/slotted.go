package hare

// Slotted variable page layout: a header, a slot table of (offset, length)
// pairs growing upward and payloads growing downward from the page end.
//
//	[0:4)   page tag (TagSlotted)
//	[4:6)   slot count
//	[8:12)  free space pointer (start of the payload region)
//	[12:..) slot table, 8 bytes per slot
const (
	slottedOffSlotCount = 4
	slottedOffFreePtr   = 8
	slottedSlotTable    = 12
	slottedSlotSize     = 8
)

// slottedInit claims a fresh page as an empty slotted variable page.
func slottedInit(p *Page) {
	initView(p, TagSlotted)
	p.PutUint16(slottedOffSlotCount, 0)
	p.PutUint32(slottedOffFreePtr, uint32(p.Size()))
}

func slottedSlotCount(p *Page) int {
	return int(p.Uint16(slottedOffSlotCount))
}

// slottedFreeSpace is the number of payload bytes a new entry can still
// carry, accounting for its slot table entry.
func slottedFreeSpace(p *Page) int {
	free := int(p.Uint32(slottedOffFreePtr)) - slottedSlotTable - (slottedSlotCount(p)+1)*slottedSlotSize
	if free < 0 {
		return 0
	}
	return free
}

// slottedMaxPayload is the largest payload a page of the given size can
// hold at all.
func slottedMaxPayload(pageSize int) int {
	return pageSize - slottedSlotTable - slottedSlotSize
}

// slottedInsert places payload into the page and returns its slot id.
// Returns false when the payload does not fit.
func slottedInsert(p *Page, payload []byte) (SlotID, bool) {
	if len(payload) > slottedFreeSpace(p) {
		return 0, false
	}
	slot := slottedSlotCount(p)
	offset := int(p.Uint32(slottedOffFreePtr)) - len(payload)
	if len(payload) > 0 {
		p.PutBytes(offset, payload)
	}
	p.PutUint32(slottedSlotTable+slot*slottedSlotSize, uint32(offset))
	p.PutUint32(slottedSlotTable+slot*slottedSlotSize+4, uint32(len(payload)))
	p.PutUint16(slottedOffSlotCount, uint16(slot+1))
	p.PutUint32(slottedOffFreePtr, uint32(offset))
	return SlotID(slot), true
}

// slottedSlot returns the byte range of a slot's payload.
func slottedSlot(p *Page, slot SlotID) (offset, length int) {
	base := slottedSlotTable + int(slot)*slottedSlotSize
	return int(p.Uint32(base)), int(p.Uint32(base + 4))
}

// slottedRead copies a slot's payload out of the page.
func slottedRead(p *Page, slot SlotID) []byte {
	offset, length := slottedSlot(p, slot)
	return p.Bytes(offset, length)
}

// slottedUpdateInPlace overwrites a slot's payload when the new payload
// fits the old byte range, shrinking the recorded length if needed.
// Returns false when it does not fit; the caller then relocates the value.
func slottedUpdateInPlace(p *Page, slot SlotID, payload []byte) bool {
	offset, length := slottedSlot(p, slot)
	if len(payload) > length {
		return false
	}
	if len(payload) > 0 {
		p.PutBytes(offset, payload)
	}
	p.PutUint32(slottedSlotTable+int(slot)*slottedSlotSize+4, uint32(len(payload)))
	return true
}
