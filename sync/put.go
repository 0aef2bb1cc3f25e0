package sync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
	"github.com/tangramdotdev/tangram/sql"
)

// putDriver is the serving half of a session: it answers the peer's
// requests with items from the local store and, when pushing, descends
// eagerly through subtrees the peer has not asserted complete.
type putDriver struct {
	logger  *zap.Logger
	cfg     Config
	arg     Arg
	enabled bool
	// seedRoots is set on the initiating side of a push; the serving side
	// of a pull only answers requests.
	seedRoots bool

	graph *Graph
	store Store
	queue *Queue

	out chan PutMessage
	in  <-chan GetMessage
}

func newPutDriver(logger *zap.Logger, cfg Config, arg Arg, enabled, seedRoots bool, graph *Graph, store Store, in <-chan GetMessage) *putDriver {
	d := &putDriver{
		logger:    logger.Named("put"),
		cfg:       cfg,
		arg:       arg,
		enabled:   enabled,
		seedRoots: seedRoots,
		graph:     graph,
		store:     store,
		out:       make(chan PutMessage, cfg.ChannelBuffer),
		in:        in,
	}
	d.queue = NewQueue(nil)
	return d
}

func (d *putDriver) send(ctx context.Context, m PutMessage) error {
	select {
	case d.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// seed enqueues the roots for an active push. Without the eager flag only
// the roots themselves are sent and the peer requests the rest.
func (d *putDriver) seed() {
	for _, id := range d.arg.Items {
		switch id.Kind {
		case types.IDKindProcess:
			d.queue.EnqueueProcess(ProcessItem{ID: id.Process, Eager: d.arg.Eager})
		case types.IDKindObject:
			d.queue.EnqueueObject(ObjectItem{ID: id.Object, Facet: FacetAll, Eager: d.arg.Eager})
		}
	}
}

func (d *putDriver) run(ctx context.Context) error {
	defer close(d.out)
	if !d.enabled {
		if err := d.send(ctx, &PutEndMessage{}); err != nil {
			return err
		}
		return drain(ctx, d.in)
	}
	if d.seedRoots {
		d.seed()
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return d.inbound(ctx) })
	for i := 0; i < d.cfg.ProcessConcurrency; i++ {
		eg.Go(func() error { return d.processWorker(ctx) })
	}
	for i := 0; i < d.cfg.ObjectConcurrency; i++ {
		eg.Go(func() error { return d.objectWorker(ctx) })
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return d.send(ctx, &PutEndMessage{})
}

// inbound consumes the peer's requests and completeness assertions until
// its get direction ends. The queue starts draining only after the
// requests stop, so transient idle moments in between never end the
// direction early.
func (d *putDriver) inbound(ctx context.Context) error {
	defer d.queue.SetDraining()
	for {
		select {
		case m, ok := <-d.in:
			if !ok {
				return nil
			}
			switch m := m.(type) {
			case *GetProcessItemMessage:
				d.queue.EnqueueProcess(ProcessItem{ID: m.ID, Eager: m.Eager, Required: true})
			case *GetObjectItemMessage:
				d.queue.EnqueueObject(ObjectItem{ID: m.ID, Facet: m.Facet, Eager: m.Eager, Required: true})
			case *GetProcessCompleteMessage:
				// The peer holds this subtree, so eager descent below it
				// can stop.
				stored := m.Stored
				d.graph.UpdateProcess(m.ID, nil, &stored)
			case *GetObjectCompleteMessage:
				stored := m.Stored
				d.graph.UpdateObject(m.ID, nil, FacetAll, &stored)
			default:
				return protocolErrorf("unexpected %s message in get direction", m.Type())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *putDriver) processWorker(ctx context.Context) error {
	for {
		batch, ok := d.queue.PopProcesses(ctx, d.cfg.ProcessBatchSize)
		if !ok {
			return ctx.Err()
		}
		if err := d.processBatch(ctx, batch); err != nil {
			return err
		}
	}
}

func (d *putDriver) objectWorker(ctx context.Context) error {
	for {
		batch, ok := d.queue.PopObjects(ctx, d.cfg.ObjectBatchSize)
		if !ok {
			return ctx.Err()
		}
		if err := d.objectBatch(ctx, batch); err != nil {
			return err
		}
	}
}

// processBatch serves a batch of processes. Touching them first refreshes
// retention for the duration of the transfer.
func (d *putDriver) processBatch(ctx context.Context, batch []ProcessItem) error {
	ids := make([]types.ProcessID, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
	}
	comps, err := d.store.TouchProcesses(ids)
	if err != nil {
		return fmt.Errorf("touch processes: %w", err)
	}
	for i, item := range batch {
		if comps[i] == nil {
			if item.Required {
				return fmt.Errorf("requested process %s not found", item.ID)
			}
			// Pushing an incomplete tree: skip the parts we do not have.
			// The peer is told so its work waiting on the item settles.
			if err := d.skipProcess(ctx, item.ID); err != nil {
				return err
			}
			continue
		}
		record, err := d.store.GetProcess(item.ID)
		if err != nil {
			if item.Required || !errors.Is(err, sql.ErrNotFound) {
				return fmt.Errorf("load process %s: %w", item.ID, err)
			}
			if err := d.skipProcess(ctx, item.ID); err != nil {
				return err
			}
			continue
		}
		if err := d.send(ctx, &PutProcessItemMessage{ID: item.ID, Record: *record}); err != nil {
			return err
		}
		itemsSent.WithLabelValues(kindProcess).Inc()
		if item.Eager {
			d.descendProcess(item.ID, record)
		}
		d.queue.Decrement(1)
	}
	return nil
}

// objectBatch serves a batch of objects. The id is recomputed from the
// loaded bytes before sending so local corruption surfaces here instead of
// on the peer.
func (d *putDriver) objectBatch(ctx context.Context, batch []ObjectItem) error {
	ids := make([]types.ObjectID, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
	}
	comps, err := d.store.TouchObjects(ids)
	if err != nil {
		return fmt.Errorf("touch objects: %w", err)
	}
	for i, item := range batch {
		if comps[i] == nil {
			if item.Required {
				return fmt.Errorf("requested object %s not found", item.ID)
			}
			if err := d.skipObject(ctx, item.ID); err != nil {
				return err
			}
			continue
		}
		_, blob, err := d.store.GetObject(item.ID)
		if err != nil {
			if item.Required || !errors.Is(err, sql.ErrNotFound) {
				return fmt.Errorf("load object %s: %w", item.ID, err)
			}
			if err := d.skipObject(ctx, item.ID); err != nil {
				return err
			}
			continue
		}
		if types.CalcObjectID(blob) != item.ID {
			return fmt.Errorf("object %s: stored bytes do not match id", item.ID)
		}
		if err := d.send(ctx, &PutObjectItemMessage{ID: item.ID, Bytes: blob}); err != nil {
			return err
		}
		itemsSent.WithLabelValues(kindObject).Inc()
		if item.Eager {
			var object types.Object
			if err := codec.Decode(blob, &object); err != nil {
				return fmt.Errorf("decode object %s: %w", item.ID, err)
			}
			d.descendObject(item.ID, object.Children, item.Facet)
		}
		d.queue.Decrement(1)
	}
	return nil
}

func (d *putDriver) skipProcess(ctx context.Context, id types.ProcessID) error {
	if err := d.send(ctx, &PutProcessSkipMessage{ID: id}); err != nil {
		return err
	}
	itemsSkipped.WithLabelValues(kindProcess).Inc()
	d.queue.Decrement(1)
	return nil
}

func (d *putDriver) skipObject(ctx context.Context, id types.ObjectID) error {
	if err := d.send(ctx, &PutObjectSkipMessage{ID: id}); err != nil {
		return err
	}
	itemsSkipped.WithLabelValues(kindObject).Inc()
	d.queue.Decrement(1)
	return nil
}

// descendProcess queues the children of a pushed process, skipping any
// subtree the peer has asserted complete and any node already visited in
// this session.
func (d *putDriver) descendProcess(id types.ProcessID, record *types.ProcessRecord) {
	parent := types.ProcessToID(id)
	if d.arg.Recursive {
		for _, child := range record.Children {
			inserted, resolved := d.graph.UpdateProcess(child, &parent, nil)
			if !inserted || coversProcess(resolved, d.arg) {
				continue
			}
			d.queue.EnqueueProcess(ProcessItem{ID: child, Parent: &parent, Eager: true})
		}
	}
	refs := []struct {
		want  bool
		id    types.ObjectID
		facet Facet
	}{
		{d.arg.Commands, record.Command, FacetCommand},
		{d.arg.Errors, record.Error, FacetError},
		{d.arg.Logs, record.Log, FacetLog},
		{d.arg.Outputs, record.Output, FacetOutput},
	}
	for _, ref := range refs {
		if !ref.want || ref.id.IsEmpty() {
			continue
		}
		inserted, resolved := d.graph.UpdateObject(ref.id, &parent, ref.facet, nil)
		if !inserted || resolved.Subtree {
			continue
		}
		d.queue.EnqueueObject(ObjectItem{ID: ref.id, Parent: &parent, Facet: ref.facet, Eager: true})
	}
}

func (d *putDriver) descendObject(id types.ObjectID, children []types.ObjectID, facet Facet) {
	parent := types.ObjectToID(id)
	for _, child := range children {
		inserted, resolved := d.graph.UpdateObject(child, &parent, facet, nil)
		if !inserted || resolved.Subtree {
			continue
		}
		d.queue.EnqueueObject(ObjectItem{ID: child, Parent: &parent, Facet: facet, Eager: true})
	}
}
