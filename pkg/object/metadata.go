package object

import "time"

// CommitMetadata is the slice of a commit object this engine cares about:
// lineage and ordering. Message, tree and identity strings are skipped
// during parsing and never materialized.
type CommitMetadata struct {
	ID                 ObjectId
	Parents            []ObjectId
	AuthorTimestamp    time.Time
	CommitterTimestamp time.Time
}
