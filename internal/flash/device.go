package flash

// Device is the raw flash a Store runs on: two equal-sized swap regions,
// addressed 0 and 1, with NOR-style write semantics. The initial backends are
// memdev (volatile, for tests and crash injection) and filedev (a persistent
// image file); the interface allows swapping in a real MTD driver without
// touching the store.
//
// Write contract: offset and len(p) must be multiples of the 4-byte flash
// word, the range must lie inside the region, and a write may only clear
// bits: the device stores old AND new. Erase resets a whole region to
// all-ones. Read carries no alignment requirement.
type Device interface {
	SwapSize() uint32
	Erase(swap uint8) error
	Read(swap uint8, offset uint32, p []byte) error
	Write(swap uint8, offset uint32, p []byte) error
}
