// Package dataio defines the narrow interface through which stages read
// sample lists and feature payloads. The orchestrator core never touches
// these directly; only stage execution does.
package dataio

// Payload is an opaque feature blob handed to the training collaborator.
type Payload struct {
	ID   string
	Data []byte
}

// ListReader reads an ordered list of sample IDs.
type ListReader interface {
	ReadList(path string) ([]string, error)
}

// FeatureReader reads the feature payload for a single sample.
type FeatureReader interface {
	ReadFeature(id string) (Payload, error)
}

// Reader combines both collaborator capabilities.
type Reader interface {
	ListReader
	FeatureReader
}
