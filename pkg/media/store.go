package media

// IndexStore persists built track indexes across runs, so large files
// do not pay the table walk on every open. Implementations must be safe
// for concurrent use.
type IndexStore interface {
	// GetIndex returns the stored index for a file and track, or
	// (nil, nil) on a miss.
	GetIndex(fileKey string, trackID int64) (*Index, error)

	// PutIndex stores an index.
	PutIndex(fileKey string, trackID int64, x *Index) error
}
