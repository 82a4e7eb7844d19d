package endpoint

import "github.com/perimetric/reporting/partition"

// IsolationInfo captures the frame context that configured a document's
// reporting endpoints. It is retained with V1 endpoint groups so uploads
// for a document happen in the network partition that produced them.
type IsolationInfo struct {
	// TopFrameOrigin is the serialized origin of the top-level frame.
	TopFrameOrigin string `json:"top_frame_origin"`

	// FrameOrigin is the serialized origin of the configuring frame.
	FrameOrigin string `json:"frame_origin"`
}

// PartitionKey derives the network partition key for this isolation
// boundary.
func (i IsolationInfo) PartitionKey() partition.Key {
	return partition.MakeKey(i.TopFrameOrigin, i.FrameOrigin)
}
