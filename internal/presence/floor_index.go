package presence

import "context"

// FloorIndex derives floor membership from a ConnectionStore.
//
// There is no cache: a cached member set would race disconnects exactly as
// the store does, so every call pays an O(total connections) scan and returns
// membership as of the call.
type FloorIndex struct {
	store ConnectionStore
}

// NewFloorIndex returns a FloorIndex reading from store.
func NewFloorIndex(store ConnectionStore) *FloorIndex {
	return &FloorIndex{store: store}
}

// MembersOf returns the connections currently on floor.
func (f *FloorIndex) MembersOf(ctx context.Context, floor string) ([]Connection, error) {
	return f.store.ScanByFloor(ctx, floor)
}

// Count returns the number of connections currently on floor.
func (f *FloorIndex) Count(ctx context.Context, floor string) (int, error) {
	members, err := f.MembersOf(ctx, floor)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}
