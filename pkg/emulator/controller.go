package emulator

import "context"

// Controller defines the interface contract a session
// implements so that UI collaborators can drive it without
// touching the file system or the core directly.
type Controller interface {
	State() State
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Reload(ctx context.Context) error
	IsQuickReloadAvailable(ctx context.Context) bool
}
