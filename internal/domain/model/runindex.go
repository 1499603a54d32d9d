package model

// RunIndexCounter is the per-targeting daily allocation state persisted in
// the property store. Date is the yyyy-MM-dd JST key; a mismatch against the
// current day resets the counter to zero before allocation.
type RunIndexCounter struct {
	Date      string `json:"date"`
	Counter   int    `json:"counter"`
	UpdatedAt string `json:"updated_at"`
}
