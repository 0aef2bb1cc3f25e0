package sync

import (
	"context"
	"fmt"
	gosync "sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
)

// pendingItem remembers the context of a request whose answer has not
// arrived yet, so the inbound put item can be linked into the graph at the
// right place and decremented exactly once.
type pendingItem struct {
	parent *types.ID
	facet  Facet
}

// getDriver is the receiving half of a session: it evaluates pending
// items against the local index, requests what is missing, asserts
// completeness for what is already present, and stores the items the peer
// sends back.
type getDriver struct {
	logger  *zap.Logger
	cfg     Config
	arg     Arg
	enabled bool
	// eagerRoots is set on the serving side of a push: the roots will
	// arrive unsolicited, so they must not be requested.
	eagerRoots bool

	graph *Graph
	store Store
	queue *Queue

	out chan GetMessage
	in  <-chan PutMessage

	// pending holds one entry per queued evaluation that is waiting for
	// the item to arrive. Reconverging paths can queue the same absent
	// item more than once; every entry must be settled when it arrives.
	// skipped records items the peer declined to serve, so evaluations
	// racing with the skip message settle instead of waiting forever.
	mu      gosync.Mutex
	pending map[types.ID][]pendingItem
	skipped map[types.ID]struct{}
}

func newGetDriver(logger *zap.Logger, cfg Config, arg Arg, enabled, eagerRoots bool, graph *Graph, store Store, in <-chan PutMessage) *getDriver {
	d := &getDriver{
		logger:     logger.Named("get"),
		cfg:        cfg,
		arg:        arg,
		enabled:    enabled,
		eagerRoots: eagerRoots,
		graph:      graph,
		store:      store,
		out:        make(chan GetMessage, cfg.ChannelBuffer),
		in:         in,
		pending:    map[types.ID][]pendingItem{},
		skipped:    map[types.ID]struct{}{},
	}
	d.queue = NewQueue(nil)
	return d
}

func (d *getDriver) send(ctx context.Context, m GetMessage) error {
	select {
	case d.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markPending records an evaluation waiting for id. first is true for the
// initial entry, so only one request goes out per item. skipped is true if
// the peer already declined the item, in which case nothing was recorded
// and the evaluation settles immediately.
func (d *getDriver) markPending(id types.ID, item pendingItem) (first, skipped bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.skipped[id]; ok {
		return false, true
	}
	d.pending[id] = append(d.pending[id], item)
	return len(d.pending[id]) == 1, false
}

func (d *getDriver) takePending(id types.ID) []pendingItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	items := d.pending[id]
	delete(d.pending, id)
	return items
}

// receiveSkip settles all work waiting on an item the peer cannot serve.
// The id stays marked for the rest of the session so evaluations that have
// not reached the item yet do not start waiting either.
func (d *getDriver) receiveSkip(id types.ID) {
	d.mu.Lock()
	d.skipped[id] = struct{}{}
	pending := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()
	d.logger.Debug("peer skipped item", zap.Stringer("id", id))
	if len(pending) > 0 {
		d.queue.Decrement(int64(len(pending)))
	}
}

// seed enqueues the session's root items.
func (d *getDriver) seed() {
	for _, id := range d.arg.Items {
		switch id.Kind {
		case types.IDKindProcess:
			d.queue.EnqueueProcess(ProcessItem{ID: id.Process, Eager: d.eagerRoots})
		case types.IDKindObject:
			d.queue.EnqueueObject(ObjectItem{ID: id.Object, Facet: FacetAll, Eager: d.eagerRoots})
		}
	}
}

func (d *getDriver) run(ctx context.Context) error {
	defer close(d.out)
	if !d.enabled {
		if err := d.send(ctx, &GetEndMessage{}); err != nil {
			return err
		}
		// Keep draining so the input task never blocks on a direction
		// that has nothing to do.
		return drain(ctx, d.in)
	}
	d.seed()
	d.queue.SetDraining()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		weg, wctx := errgroup.WithContext(ctx)
		for i := 0; i < d.cfg.ProcessConcurrency; i++ {
			weg.Go(func() error { return d.processWorker(wctx) })
		}
		for i := 0; i < d.cfg.ObjectConcurrency; i++ {
			weg.Go(func() error { return d.objectWorker(wctx) })
		}
		if err := weg.Wait(); err != nil {
			return err
		}
		return d.send(ctx, &GetEndMessage{})
	})
	eg.Go(func() error { return d.inbound(ctx) })
	return eg.Wait()
}

// inbound consumes the items the peer sends until its put direction ends.
func (d *getDriver) inbound(ctx context.Context) error {
	for {
		select {
		case m, ok := <-d.in:
			if !ok {
				return nil
			}
			switch m := m.(type) {
			case *PutProcessItemMessage:
				if err := d.receiveProcess(m); err != nil {
					return err
				}
			case *PutObjectItemMessage:
				if err := d.receiveObject(m); err != nil {
					return err
				}
			case *PutProcessSkipMessage:
				d.receiveSkip(types.ProcessToID(m.ID))
			case *PutObjectSkipMessage:
				d.receiveSkip(types.ObjectToID(m.ID))
			default:
				return protocolErrorf("unexpected %s message in put direction", m.Type())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receiveProcess stores an inbound process record and pursues its
// children if the record answers one of this side's requests.
func (d *getDriver) receiveProcess(m *PutProcessItemMessage) error {
	id := types.ProcessToID(m.ID)
	pending := d.takePending(id)
	if err := d.store.PutProcess(m.ID, &m.Record); err != nil {
		return fmt.Errorf("store process %s: %w", m.ID, err)
	}
	itemsReceived.WithLabelValues(kindProcess).Inc()
	if len(pending) == 0 {
		// An unsolicited push; the queued evaluation handles descent.
		d.graph.UpdateProcess(m.ID, nil, nil)
		return nil
	}
	for _, pend := range pending {
		d.graph.UpdateProcess(m.ID, pend.parent, nil)
	}
	if d.graph.SetChildrenKnown(id) {
		d.enqueueProcessChildren(id, &m.Record, types.ProcessStored{}, d.arg.Eager)
	}
	d.queue.Decrement(int64(len(pending)))
	return nil
}

// receiveObject validates and stores an inbound object. The id is
// recomputed from the bytes; a mismatch is a fatal protocol violation.
func (d *getDriver) receiveObject(m *PutObjectItemMessage) error {
	if types.CalcObjectID(m.Bytes) != m.ID {
		return protocolErrorf("object %s bytes do not match id", m.ID)
	}
	var object types.Object
	if err := codec.Decode(m.Bytes, &object); err != nil {
		return protocolErrorf("malformed object %s: %v", m.ID, err)
	}
	id := types.ObjectToID(m.ID)
	pending := d.takePending(id)
	if err := d.store.PutObject(m.ID, m.Bytes); err != nil {
		return fmt.Errorf("store object %s: %w", m.ID, err)
	}
	itemsReceived.WithLabelValues(kindObject).Inc()
	facet := FacetAll
	if len(pending) == 0 {
		d.graph.UpdateObject(m.ID, nil, facet, nil)
	}
	for _, pend := range pending {
		facet = pend.facet
		d.graph.UpdateObject(m.ID, pend.parent, pend.facet, nil)
	}
	if len(object.Children) == 0 {
		// A leaf object is trivially subtree-complete once stored.
		stored := types.ObjectStored{Subtree: true}
		d.graph.UpdateObject(m.ID, nil, facet, &stored)
		if err := d.store.UpdateObjectStored(m.ID, stored, types.Metadata{Count: 1, Weight: uint64(len(m.Bytes))}); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		if d.graph.SetChildrenKnown(id) {
			d.enqueueObjectChildren(id, object.Children, facet, d.arg.Eager)
		}
		d.queue.Decrement(int64(len(pending)))
	}
	return nil
}

func (d *getDriver) processWorker(ctx context.Context) error {
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

func (d *getDriver) objectWorker(ctx context.Context) error {
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

// processBatch runs the per-item state machine for a batch of pending
// processes. One index round trip serves the whole batch and refreshes
// retention so a concurrent clean cannot reclaim the items mid-sync.
func (d *getDriver) processBatch(ctx context.Context, batch []ProcessItem) error {
	ids := make([]types.ProcessID, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
	}
	comps, err := d.store.TouchProcesses(ids)
	if err != nil {
		return fmt.Errorf("touch processes: %w", err)
	}
	for i, item := range batch {
		comp := comps[i]
		if comp == nil {
			// Absent. Eager items arrive without being asked for.
			first, skipped := d.markPending(types.ProcessToID(item.ID), pendingItem{parent: item.Parent})
			if skipped {
				// The peer cannot serve it either.
				d.queue.Decrement(1)
				continue
			}
			if !item.Eager && first {
				if err := d.send(ctx, &GetProcessItemMessage{ID: item.ID, Eager: d.arg.Eager}); err != nil {
					return err
				}
			}
			continue
		}
		_, resolved := d.graph.UpdateProcess(item.ID, item.Parent, &comp.Stored)
		if !d.arg.Force && coversProcess(resolved, d.arg) {
			if err := d.send(ctx, &GetProcessCompleteMessage{ID: item.ID, Stored: resolved}); err != nil {
				return err
			}
			completeEmitted.WithLabelValues(kindProcess).Inc()
			if resolved != comp.Stored {
				if err := d.store.UpdateProcessStored(item.ID, resolved, comp.Metadata); err != nil {
					return err
				}
			}
			d.queue.Decrement(1)
			continue
		}
		record, err := d.store.GetProcess(item.ID)
		if err != nil {
			return fmt.Errorf("load process %s: %w", item.ID, err)
		}
		if d.arg.Force {
			// Forced sessions re-verify everything below this node.
			resolved = types.ProcessStored{}
		}
		if d.graph.SetChildrenKnown(types.ProcessToID(item.ID)) {
			d.enqueueProcessChildren(types.ProcessToID(item.ID), record, resolved, item.Eager && d.arg.Eager)
		}
		d.queue.Decrement(1)
	}
	return nil
}

// objectBatch runs the per-item state machine for a batch of pending
// objects.
func (d *getDriver) objectBatch(ctx context.Context, batch []ObjectItem) error {
	ids := make([]types.ObjectID, len(batch))
	for i, item := range batch {
		ids[i] = item.ID
	}
	comps, err := d.store.TouchObjects(ids)
	if err != nil {
		return fmt.Errorf("touch objects: %w", err)
	}
	for i, item := range batch {
		comp := comps[i]
		if comp == nil {
			first, skipped := d.markPending(types.ObjectToID(item.ID), pendingItem{parent: item.Parent, facet: item.Facet})
			if skipped {
				d.queue.Decrement(1)
				continue
			}
			if !item.Eager && first {
				if err := d.send(ctx, &GetObjectItemMessage{ID: item.ID, Facet: item.Facet, Eager: d.arg.Eager}); err != nil {
					return err
				}
			}
			continue
		}
		_, resolved := d.graph.UpdateObject(item.ID, item.Parent, item.Facet, &comp.Stored)
		if !d.arg.Force && resolved.Subtree {
			if err := d.send(ctx, &GetObjectCompleteMessage{ID: item.ID, Stored: resolved}); err != nil {
				return err
			}
			completeEmitted.WithLabelValues(kindObject).Inc()
			if resolved != comp.Stored {
				if err := d.store.UpdateObjectStored(item.ID, resolved, comp.Metadata); err != nil {
					return err
				}
			}
			d.queue.Decrement(1)
			continue
		}
		if d.graph.SetChildrenKnown(types.ObjectToID(item.ID)) {
			children, err := d.store.GetObjectChildren(item.ID)
			if err != nil {
				return fmt.Errorf("load object %s: %w", item.ID, err)
			}
			d.enqueueObjectChildren(types.ObjectToID(item.ID), children, item.Facet, item.Eager && d.arg.Eager)
		}
		d.queue.Decrement(1)
	}
	return nil
}

// enqueueProcessChildren queues the parts of a process selected by the
// session's flags: child processes, and the command, output, log and
// error subtrees, each under its own facet so completeness tracking does
// not leak across facets.
func (d *getDriver) enqueueProcessChildren(parent types.ID, record *types.ProcessRecord, resolved types.ProcessStored, eager bool) {
	if d.arg.Recursive {
		items := make([]ProcessItem, 0, len(record.Children))
		for _, child := range record.Children {
			items = append(items, ProcessItem{ID: child, Parent: &parent, Eager: eager})
		}
		d.queue.EnqueueProcess(items...)
	}
	type facetRef struct {
		want  bool
		have  bool
		id    types.ObjectID
		facet Facet
	}
	refs := []facetRef{
		{d.arg.Commands, pick(d.arg.Recursive, resolved.SubtreeCommand, resolved.NodeCommand), record.Command, FacetCommand},
		{d.arg.Errors, pick(d.arg.Recursive, resolved.SubtreeError, resolved.NodeError), record.Error, FacetError},
		{d.arg.Logs, pick(d.arg.Recursive, resolved.SubtreeLog, resolved.NodeLog), record.Log, FacetLog},
		{d.arg.Outputs, pick(d.arg.Recursive, resolved.SubtreeOutput, resolved.NodeOutput), record.Output, FacetOutput},
	}
	for _, ref := range refs {
		if !ref.want || ref.have || ref.id.IsEmpty() {
			continue
		}
		d.queue.EnqueueObject(ObjectItem{ID: ref.id, Parent: &parent, Facet: ref.facet, Eager: eager})
	}
}

func (d *getDriver) enqueueObjectChildren(parent types.ID, children []types.ObjectID, facet Facet, eager bool) {
	items := make([]ObjectItem, 0, len(children))
	for _, child := range children {
		items = append(items, ObjectItem{ID: child, Parent: &parent, Facet: facet, Eager: eager})
	}
	d.queue.EnqueueObject(items...)
}

// coversProcess reports whether stored satisfies every facet the session
// asked for. Without facet flags a recursive request can only be covered
// by full subtree completeness.
func coversProcess(stored types.ProcessStored, arg Arg) bool {
	if arg.Recursive && !arg.Commands && !arg.Errors && !arg.Logs && !arg.Outputs {
		return stored.Subtree
	}
	if arg.Commands && !pick(arg.Recursive, stored.SubtreeCommand, stored.NodeCommand) {
		return false
	}
	if arg.Errors && !pick(arg.Recursive, stored.SubtreeError, stored.NodeError) {
		return false
	}
	if arg.Logs && !pick(arg.Recursive, stored.SubtreeLog, stored.NodeLog) {
		return false
	}
	if arg.Outputs && !pick(arg.Recursive, stored.SubtreeOutput, stored.NodeOutput) {
		return false
	}
	if arg.Recursive && !stored.Subtree {
		// The process records themselves still have to be walked; only
		// full subtree completeness lets the walk stop here.
		return false
	}
	return true
}

func pick[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}

func drain[T any](ctx context.Context, ch <-chan T) error {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
