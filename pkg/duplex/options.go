package duplex

import (
	"log/slog"

	"github.com/duplex-tls/duplex-go/pkg/log"
)

// Spawner starts task on a worker goroutine. A pool may reuse goroutines;
// an error aborts construction with a SetupError.
type Spawner func(task func()) error

// goSpawner starts a fresh goroutine per task.
func goSpawner(task func()) error {
	go task()
	return nil
}

type options struct {
	cfg     Config
	logger  *slog.Logger
	events  log.Logger
	spawner Spawner
	id      string
}

// Option configures a Stream during construction.
type Option func(*options)

// WithConfig sets the stream configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger enables debug logging to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithEventLogger captures transport, engine and stream events.
func WithEventLogger(l log.Logger) Option {
	return func(o *options) {
		o.events = l
	}
}

// WithSpawner runs the stream's worker goroutines through spawn.
func WithSpawner(spawn Spawner) Option {
	return func(o *options) {
		o.spawner = spawn
	}
}

// WithID sets the stream ID used in logs. By default a random UUID is used.
func WithID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}
