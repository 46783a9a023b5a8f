package sab

import "math/bits"

// Page sizes a workspace region may be backed by.
const (
	PAGE_NORMAL   = uint64(4096)
	PAGE_HUGE     = uint64(2 * 1024 * 1024)
	PAGE_GIGANTIC = uint64(1024 * 1024 * 1024)

	// Workspaces smaller than this many huge pages use huge pages, larger ones
	// use gigantic pages.
	HUGE_PAGE_THRESHOLD = 4
)

// Workspace region layout. The header owns the first WKSP_ALIGN bytes and
// every object lives at or after OFFSET_WKSP_DATA.
const (
	WKSP_ALIGN       = uint64(4096)
	WKSP_MAGIC       = uint64(0x54494c45574b5350) // "TILEWKSP"
	WKSP_NAME_MAX    = 64
	WKSP_HEADER_SZ   = WKSP_ALIGN
	OFFSET_WKSP_DATA = WKSP_HEADER_SZ

	OFFSET_WKSP_MAGIC     = 0x00
	OFFSET_WKSP_PAGE_SZ   = 0x08
	OFFSET_WKSP_PAGE_CNT  = 0x10
	OFFSET_WKSP_DATA_OFF  = 0x18
	OFFSET_WKSP_DATA_MAX  = 0x20
	OFFSET_WKSP_KNOWN     = 0x28
	OFFSET_WKSP_ALLOC_HI  = 0x30
	OFFSET_WKSP_NAME_LEN  = 0x38
	OFFSET_WKSP_NAME      = 0x40
	OFFSET_WKSP_ALLOC_CNT = OFFSET_WKSP_NAME + WKSP_NAME_MAX
)

// Chunks address dcache payloads in CHUNK_SZ units from the workspace base.
const (
	CHUNK_LG_SZ = 6
	CHUNK_SZ    = uint64(1) << CHUNK_LG_SZ
	CHUNK_ALIGN = CHUNK_SZ
	CACHE_LINE  = uint64(64)
)

// IsPow2 reports whether x is a non-zero power of two.
func IsPow2(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// AlignUp aligns offset up to alignment, which must be a power of two.
func AlignUp(offset, alignment uint64) uint64 {
	return (offset + alignment - 1) & ^(alignment - 1)
}

// IsAligned reports whether offset is a multiple of alignment.
func IsAligned(offset, alignment uint64) bool {
	return offset&(alignment-1) == 0
}

// Pow2Down returns the largest power of two not above x (0 for 0).
func Pow2Down(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	return uint64(1) << (63 - bits.LeadingZeros64(x))
}

// PageGeometry picks the page size and count for a region holding footprint
// bytes of objects plus the header.
func PageGeometry(footprint uint64) (pageSz, pageCnt uint64) {
	total := WKSP_HEADER_SZ + footprint
	pageSz = PAGE_GIGANTIC
	if total < HUGE_PAGE_THRESHOLD*PAGE_HUGE {
		pageSz = PAGE_HUGE
	}
	pageCnt = (total + pageSz - 1) / pageSz
	return pageSz, pageCnt
}

// LayoutError represents a memory layout error
type LayoutError struct {
	Code    string
	Message string
}

func (e *LayoutError) Error() string {
	return e.Code + ": " + e.Message
}
