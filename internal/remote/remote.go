// Package remote defines the interface to the backing object store: a
// chat/messaging backend where every media file is one uploaded message,
// addressed by an integer message id.
package remote

import (
	"context"
)

// FileHandle describes a resolved remote file. Location is an opaque token
// (e.g. a DC/access-hash pair) the client needs for range reads; it may be
// refreshed transparently by Client.Resolve on later calls.
type FileHandle struct {
	ID       int64
	Size     int64
	Name     string
	MIME     string
	Location string
}

// Client is the remote object-store API surface C1 is built on.
type Client interface {
	// Ready reports whether the client holds a live session.
	Ready() bool

	// Resolve looks up a file handle by remote message id.
	Resolve(ctx context.Context, id int64) (*FileHandle, error)

	// ReadAt fetches exactly one aligned chunk: bytes [offset, offset+limit)
	// of the file described by handle. The remote may return fewer bytes at
	// EOF; an empty, non-error result signals EOF.
	ReadAt(ctx context.Context, handle *FileHandle, offset, limit int64) ([]byte, error)

	// ListChannel pages through the channel's messages, oldest-first, in
	// batches of at most pageSize, until the callback returns false or the
	// channel is exhausted.
	ListChannel(ctx context.Context, pageSize int, fn func(*FileHandle) bool) error
}

