package eip

import (
	"fmt"
	"sync"

	"github.com/behrlich/go-eip/config"
	"github.com/behrlich/go-eip/internal/cip"
	"github.com/behrlich/go-eip/internal/conn"
	"github.com/behrlich/go-eip/internal/logging"
	"github.com/behrlich/go-eip/internal/session"
	"github.com/behrlich/go-eip/internal/tag"
	"github.com/behrlich/go-eip/internal/tasklet"
)

// Driver owns the tasklet scheduler and driver-wide defaults that back
// every Tag created through it. Most callers never construct one
// directly, since the package-level Create uses a lazily-initialized
// process-wide Driver, but tests and multi-tenant hosts that want an
// isolated scheduler can call NewDriver explicitly.
//
// The session and connection registries are not owned by a Driver: they
// are package-level in internal/session and internal/conn and shared by
// every Driver in the process, so tags created through two Drivers for
// the same gateway and port share one session.
type Driver struct {
	sched   *tasklet.Scheduler
	cfg     *config.Defaults
	metrics *Metrics
}

// NewDriver creates a Driver with its own tasklet scheduler. A nil cfg
// resolves defaults from the environment via config.Default().
func NewDriver(cfg *config.Defaults) *Driver {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Driver{sched: tasklet.NewScheduler(1), cfg: cfg, metrics: NewMetrics()}
}

var (
	defaultDriverOnce sync.Once
	defaultDriverInst *Driver
)

// Default returns the process-wide Driver, created on first use from
// the scheduler's package-level default and environment-derived config.
func Default() *Driver {
	defaultDriverOnce.Do(func() {
		defaultDriverInst = &Driver{sched: tasklet.Default(), cfg: config.Default(), metrics: NewMetrics()}
	})
	return defaultDriverInst
}

// Metrics returns the Driver's operational statistics, updated as tags
// created through it read and write.
func (d *Driver) Metrics() *Metrics { return d.metrics }

// DriverMetrics returns the process-wide default Driver's metrics.
func DriverMetrics() *Metrics { return Default().Metrics() }

// Create builds a tag handle per opts. It always returns a non-nil
// *Tag, even on failure: the tag's Status() reports why, matching
// ab_tag_create's "return a handle even on failure, with status set"
// contract.
func (d *Driver) Create(opts TagOptions) (*Tag, error) {
	if opts.Port == 0 {
		opts.Port = d.cfg.Port
	}
	if opts.ElemCount <= 0 {
		opts.ElemCount = 1
	}
	if opts.ElemSize <= 0 {
		opts.ElemSize = 4
	}
	if opts.ReadCacheMS == 0 {
		opts.ReadCacheMS = d.cfg.ReadCacheMS
	}

	t := &Tag{
		opts:    opts,
		data:    make([]byte, opts.ElemCount*opts.ElemSize),
		logger:  logging.Default().WithFields(map[string]any{"tag": opts.Name}),
		metrics: d.metrics,
	}

	kind, err := tag.DetermineType(opts.toInternal())
	t.kind = kind
	if err != nil {
		t.status = WrapError("Create", err)
		return t, nil
	}

	if kind != cip.TagTypeExplicit {
		t.status = NewTagError("Create", opts.Name, ErrCodeNotImplemented,
			fmt.Sprintf("%s tags are not implemented by this driver", kind))
		return t, nil
	}

	t.status = NewTagError("Create", opts.Name, ErrCodePending, "awaiting session and connection readiness")

	sess, sessCreated := session.FindOrAdd(d.sched, opts.Gateway, opts.Port)
	if sessCreated {
		d.metrics.RecordSessionOpened()
	}
	connRef, connCreated := conn.FindOrAdd(d.sched, sess, opts.Path, opts.CPU)
	if connCreated {
		d.metrics.RecordConnectionOpened()
	}
	t.sess = sess
	t.connRef = connRef
	t.backendStarted = true
	t.tasklet = d.sched.Spawn(t.step)
	return t, nil
}

// Create builds a tag handle against the process-wide default Driver.
func Create(opts TagOptions) (*Tag, error) {
	return Default().Create(opts)
}
