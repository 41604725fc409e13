package playback

import "context"

// Engine is the platform media player. Every call may block and may fail;
// the scheduler never lets a failure escape a single item.
type Engine interface {
	// Load fetches metadata and an initial buffer without starting playback.
	Load(ctx context.Context, id, uri string) error
	Play(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	SetVolume(ctx context.Context, id string, volume float64) error
	Unload(ctx context.Context, id string) error
	// PlayDirect bypasses the preload path and starts playback from the source.
	PlayDirect(ctx context.Context, id, uri string) error
}
