// Package action defines the tagged FileAction produced by both the
// reconciler and the notification ingress.
package action

import "time"

// Kind tags a FileAction's variant.
type Kind int

// Recognized FileAction kinds.
const (
	WriteObject Kind = iota
	RemoveFile
	RemoveDirRecursive
	Mkdir
)

func (k Kind) String() string {
	switch k {
	case WriteObject:
		return "WriteObject"
	case RemoveFile:
		return "RemoveFile"
	case RemoveDirRecursive:
		return "RemoveDirRecursive"
	case Mkdir:
		return "Mkdir"
	default:
		return "Unknown"
	}
}

// Source labels where an action originated, for logging and the optional
// /metrics endpoint; it has no effect on execution semantics and is not
// part of the partition key.
type Source string

// Recognized sources.
const (
	SourceSync         Source = "sync"
	SourceNotification Source = "notification"
)

// FileAction is the tagged action emitted by the reconciler and the
// notification ingress, and consumed by localfs via the queue.
type FileAction struct {
	Kind Kind
	// RelativePath is the mirror-relative target path for every kind
	// except WriteObject, which instead carries TransformedKey (the
	// relative path is derived identically from it).
	RelativePath string

	// WriteObject fields.
	Key            string // original remote key, for Get()
	TransformedKey string
	Mtime          time.Time
	Size           int64

	Source Source
}

// PartitionKey is the queue partition key for this action: the mirror
// target path, so that no two actions for the same path ever run
// concurrently. It is the path relative to the mirror root, used as the
// partition key as is; within a single mirror tree it identifies the
// target as uniquely as the absolute path would.
func (a FileAction) PartitionKey() string {
	if a.Kind == WriteObject {
		return a.TransformedKey
	}
	return a.RelativePath
}
