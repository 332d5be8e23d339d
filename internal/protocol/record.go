package protocol

// FileRecord describes one shared file as announced by its owner. Records
// are immutable once created; a re-announcement replaces the owner's record
// wholesale. The checksum is computed by the announcing peer and verified
// only by downloaders.
type FileRecord struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum"`
	OwnerID      PeerID `json:"ownerId"`
	OwnerAddress string `json:"ownerAddress"`
}

// RecordKey identifies a catalog entry. The same filename may be shared by
// multiple peers, so the owner is part of the key.
type RecordKey struct {
	Name    string
	OwnerID PeerID
}

// Key returns the catalog key for this record.
func (r FileRecord) Key() RecordKey {
	return RecordKey{Name: r.Name, OwnerID: r.OwnerID}
}
