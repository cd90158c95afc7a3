package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout reports that the ledger owner did not acknowledge an update in
// time. The chunks stay unrecorded and are re-transferred next run.
var ErrTimeout = errors.New("ledger: update timed out")

// DefaultTimeout bounds how long a worker waits for an update ack.
const DefaultTimeout = 10 * time.Second

type update struct {
	indices []int
	reply   chan error
}

// Owner serializes all ledger writes through one goroutine. Workers submit
// processed indices with Apply and block, bounded, for the ack; the owner
// merges and persists after every update, so a crash loses at most the
// in-flight request.
type Owner struct {
	path    string
	timeout time.Duration
	log     *zap.Logger

	set     Set
	updates chan update
	done    chan struct{}
	final   Set
}

// NewOwner wraps an already loaded set. Call Start before Apply.
func NewOwner(path string, set Set, timeout time.Duration, log *zap.Logger) *Owner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Owner{
		path:    path,
		timeout: timeout,
		log:     log,
		set:     set,
		updates: make(chan update),
		done:    make(chan struct{}),
	}
}

// Start launches the owner goroutine.
func (o *Owner) Start() {
	go o.run()
}

func (o *Owner) run() {
	defer close(o.done)
	for u := range o.updates {
		for _, i := range u.indices {
			o.set.Add(i)
		}
		err := Save(o.path, o.set)
		if err != nil {
			o.log.Error("ledger save failed", zap.Error(err))
		}
		u.reply <- err
	}
	o.final = o.set
}

// Apply records indices and waits for the persisted ack. It returns
// ErrTimeout when the owner does not answer within the configured window;
// the caller treats the chunks as unrecorded. Must not be called after Stop.
func (o *Owner) Apply(ctx context.Context, indices ...int) error {
	if len(indices) == 0 {
		return nil
	}
	u := update{indices: indices, reply: make(chan error, 1)}
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case o.updates <- u:
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-u.reply:
		return err
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop shuts the owner down and returns the final set. All Apply calls must
// have returned.
func (o *Owner) Stop() Set {
	close(o.updates)
	<-o.done
	return o.final
}
