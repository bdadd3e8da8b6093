package store

import (
	"context"

	"github.com/me/vedfolnir/pkg/model"
)

// Store defines the persistence layer for vedfolnir entities.
// Job persistence is write-behind: the scheduler treats every method as
// best-effort and stays correct with no store at all.
type Store interface {
	// Job CRUD. GetJob returns (nil, nil) for an unknown ID.
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, id string) error

	// SweepInterrupted marks every queued or running job failed. Called
	// once at startup, before the scheduler runs, so jobs orphaned by a
	// previous process never appear active.
	SweepInterrupted(ctx context.Context) (int, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
