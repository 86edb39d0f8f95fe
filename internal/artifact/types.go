package artifact

// Kind identifies what a stage produced.
type Kind string

const (
	KindCheckpoint Kind = "checkpoint"
	KindFeatureSet Kind = "feature-set"
	KindIndexSet   Kind = "index-set"
)

// ValidKind reports whether k is one of the known artifact kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindCheckpoint, KindFeatureSet, KindIndexSet:
		return true
	}
	return false
}

// Artifact is a durable, typed stage output registered in the cache.
// Upstream holds the fingerprints of the artifacts this one was derived
// from; it is lineage metadata only and never keeps the upstream entries
// alive.
type Artifact struct {
	Name        string        `json:"name"`
	Kind        Kind          `json:"kind"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	Path        string        `json:"path"`
	Stage       string        `json:"stage"`
	Upstream    []Fingerprint `json:"upstream,omitempty"`
	SizeBytes   int64         `json:"size_bytes"`
	Checksum    string        `json:"checksum"`
	CreatedAt   string        `json:"created_at"`
}
