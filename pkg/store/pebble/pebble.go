package pebble

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/dialog"
)

// Backend persists dialogs in a pebble key-value store. Node records
// live under a per-dialog prefix keyed by a zero-padded sequence
// number, so a prefix scan yields creation order; a secondary index
// maps node id to its sequence key.
//
// Key layout:
//
//	dialog:<dialog-id>                 dialog JSON
//	node:<dialog-id>:<seq-20-digits>   node JSON
//	nodeidx:<dialog-id>:<node-id>      sequence key bytes
//	seq:<dialog-id>                    uint64 counter
type Backend struct {
	db *pebble.DB

	// seqMu serializes counter bumps; pebble writes themselves are
	// already safe for concurrent use.
	seqMu sync.Mutex
}

var _ dialog.Backend = (*Backend)(nil)

func NewBackend(path string) (*Backend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble database")
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func dialogKey(id uuid.UUID) []byte {
	return []byte("dialog:" + id.String())
}

func nodePrefix(dialogID uuid.UUID) []byte {
	return []byte("node:" + dialogID.String() + ":")
}

func nodeKey(dialogID uuid.UUID, seq uint64) []byte {
	return []byte(fmt.Sprintf("node:%s:%020d", dialogID.String(), seq))
}

func nodeIndexKey(dialogID uuid.UUID, nodeID dialog.NodeID) []byte {
	return []byte("nodeidx:" + dialogID.String() + ":" + nodeID.String())
}

func seqKey(dialogID uuid.UUID) []byte {
	return []byte("seq:" + dialogID.String())
}

func (b *Backend) CreateDialog(_ context.Context, d *dialog.Dialog) error {
	key := dialogKey(d.ID)
	if _, closer, err := b.db.Get(key); err == nil {
		_ = closer.Close()
		return errors.Errorf("dialog %s already exists", d.ID)
	}
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal dialog")
	}
	return errors.Wrap(b.db.Set(key, data, pebble.Sync), "save dialog")
}

func (b *Backend) GetDialog(_ context.Context, id uuid.UUID) (*dialog.Dialog, error) {
	value, closer, err := b.db.Get(dialogKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Errorf("dialog %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get dialog")
	}
	defer func() { _ = closer.Close() }()

	d := &dialog.Dialog{}
	if err := json.Unmarshal(value, d); err != nil {
		return nil, errors.Wrap(err, "unmarshal dialog")
	}
	return d, nil
}

func (b *Backend) UpdateDialog(ctx context.Context, d *dialog.Dialog) error {
	if _, err := b.GetDialog(ctx, d.ID); err != nil {
		return err
	}
	data, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "marshal dialog")
	}
	return errors.Wrap(b.db.Set(dialogKey(d.ID), data, pebble.Sync), "save dialog")
}

func (b *Backend) DeleteDialog(ctx context.Context, id uuid.UUID) error {
	if _, err := b.GetDialog(ctx, id); err != nil {
		return err
	}

	batch := b.db.NewBatch()
	defer func() { _ = batch.Close() }()

	for _, prefix := range [][]byte{nodePrefix(id), []byte("nodeidx:" + id.String() + ":")} {
		if err := deletePrefix(b.db, batch, prefix); err != nil {
			return err
		}
	}
	if err := batch.Delete(seqKey(id), nil); err != nil {
		return errors.Wrap(err, "delete sequence counter")
	}
	if err := batch.Delete(dialogKey(id), nil); err != nil {
		return errors.Wrap(err, "delete dialog")
	}
	return errors.Wrap(b.db.Apply(batch, pebble.Sync), "apply delete batch")
}

// deletePrefix stages a delete into batch for every key in db that
// starts with prefix.
func deletePrefix(db *pebble.DB, batch *pebble.Batch, prefix []byte) error {
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return errors.Wrap(err, "create iterator")
	}
	defer func() { _ = iter.Close() }()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return errors.Wrap(err, "delete key")
		}
	}
	return nil
}

func (b *Backend) ListDialogs(_ context.Context) ([]*dialog.Dialog, error) {
	prefix := []byte("dialog:")
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "create iterator")
	}
	defer func() { _ = iter.Close() }()

	var ret []*dialog.Dialog
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		d := &dialog.Dialog{}
		if err := json.Unmarshal(iter.Value(), d); err != nil {
			return nil, errors.Wrap(err, "unmarshal dialog")
		}
		ret = append(ret, d)
	}
	return ret, nil
}

func (b *Backend) CreateNode(ctx context.Context, dialogID uuid.UUID, node *dialog.MessageNode) error {
	if _, err := b.GetDialog(ctx, dialogID); err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "marshal node")
	}

	b.seqMu.Lock()
	defer b.seqMu.Unlock()

	seq, err := b.nextSeq(dialogID)
	if err != nil {
		return err
	}
	key := nodeKey(dialogID, seq)

	batch := b.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(key, data, nil); err != nil {
		return errors.Wrap(err, "save node")
	}
	if err := batch.Set(nodeIndexKey(dialogID, node.ID), key, nil); err != nil {
		return errors.Wrap(err, "save node index")
	}
	return errors.Wrap(b.db.Apply(batch, pebble.Sync), "apply create batch")
}

func (b *Backend) UpdateNode(_ context.Context, dialogID uuid.UUID, node *dialog.MessageNode) error {
	key, err := b.lookupNodeKey(dialogID, node.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "marshal node")
	}
	return errors.Wrap(b.db.Set(key, data, pebble.Sync), "save node")
}

// UpdateNodes applies the whole batch atomically.
func (b *Backend) UpdateNodes(_ context.Context, dialogID uuid.UUID, nodes []*dialog.MessageNode) error {
	batch := b.db.NewBatch()
	defer func() { _ = batch.Close() }()

	for _, node := range nodes {
		key, err := b.lookupNodeKey(dialogID, node.ID)
		if err != nil {
			return err
		}
		data, err := json.Marshal(node)
		if err != nil {
			return errors.Wrap(err, "marshal node")
		}
		if err := batch.Set(key, data, nil); err != nil {
			return errors.Wrap(err, "save node")
		}
	}
	return errors.Wrap(b.db.Apply(batch, pebble.Sync), "apply update batch")
}

func (b *Backend) DeleteSubtree(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID) error {
	nodes, err := b.ListNodes(ctx, dialogID)
	if err != nil {
		return err
	}
	found := false
	for _, node := range nodes {
		if node.ID == nodeID {
			found = true
			break
		}
	}
	if !found {
		return errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}

	index := dialog.BuildBranchIndex(nodes)
	doomed := []dialog.NodeID{nodeID}
	for i := 0; i < len(doomed); i++ {
		doomed = append(doomed, index[doomed[i]]...)
	}

	batch := b.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, id := range doomed {
		key, err := b.lookupNodeKey(dialogID, id)
		if err != nil {
			return err
		}
		if err := batch.Delete(key, nil); err != nil {
			return errors.Wrap(err, "delete node")
		}
		if err := batch.Delete(nodeIndexKey(dialogID, id), nil); err != nil {
			return errors.Wrap(err, "delete node index")
		}
	}
	return errors.Wrap(b.db.Apply(batch, pebble.Sync), "apply delete batch")
}

func (b *Backend) ListNodes(ctx context.Context, dialogID uuid.UUID) ([]*dialog.MessageNode, error) {
	if _, err := b.GetDialog(ctx, dialogID); err != nil {
		return nil, err
	}

	prefix := nodePrefix(dialogID)
	iter, err := b.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "create iterator")
	}
	defer func() { _ = iter.Close() }()

	var ret []*dialog.MessageNode
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		node := &dialog.MessageNode{}
		if err := json.Unmarshal(iter.Value(), node); err != nil {
			return nil, errors.Wrap(err, "unmarshal node")
		}
		ret = append(ret, node)
	}
	return ret, nil
}

func (b *Backend) lookupNodeKey(dialogID uuid.UUID, nodeID dialog.NodeID) ([]byte, error) {
	value, closer, err := b.db.Get(nodeIndexKey(dialogID, nodeID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, errors.Errorf("node %s not found in dialog %s", nodeID, dialogID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get node index")
	}
	defer func() { _ = closer.Close() }()

	key := make([]byte, len(value))
	copy(key, value)
	return key, nil
}

func (b *Backend) nextSeq(dialogID uuid.UUID) (uint64, error) {
	key := seqKey(dialogID)
	seq := uint64(0)
	value, closer, err := b.db.Get(key)
	if err == nil {
		seq = binary.BigEndian.Uint64(value)
		_ = closer.Close()
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return 0, errors.Wrap(err, "get sequence counter")
	}
	seq++

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := b.db.Set(key, buf, pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "bump sequence counter")
	}
	return seq, nil
}
