package main

import (
	"context"

	"github.com/cozy-labs/cozy-sync-engine/internal/remoteagg"
)

// noopRemoteFeed is the default remoteagg.RemoteFeed for `run` when no
// concrete object-store adapter is configured: it never advances the
// cursor and never returns documents, so the remote producer goroutine
// idles harmlessly instead of the command refusing to start. A real
// deployment replaces this with its own RemoteFeed implementation.
type noopRemoteFeed struct{}

func (noopRemoteFeed) Pull(_ context.Context, cursor int64) (int64, []remoteagg.RemoteDoc, error) {
	return cursor, nil, nil
}

var _ remoteagg.RemoteFeed = noopRemoteFeed{}
