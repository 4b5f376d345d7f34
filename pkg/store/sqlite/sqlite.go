package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/marionette/pkg/dialog"
)

// Backend persists dialogs in a SQLite database. Node rows carry the
// full node as JSON; the autoincrement sequence preserves creation
// order, which the branch index depends on.
type Backend struct {
	db *sql.DB
}

var _ dialog.Backend = (*Backend)(nil)

func NewBackend(dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}
	b := &Backend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) migrate() error {
	_, err := b.db.Exec(`
CREATE TABLE IF NOT EXISTS dialogs (
  id TEXT PRIMARY KEY,
  title TEXT,
  assistant_id TEXT,
  model TEXT,
  vars TEXT,
  msg_route TEXT,
  created_at TIMESTAMP,
  updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS nodes (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  dialog_id TEXT NOT NULL,
  id TEXT NOT NULL UNIQUE,
  parent_id TEXT NOT NULL,
  data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_dialog_id ON nodes(dialog_id, seq);
`)
	return errors.Wrap(err, "migrate sqlite schema")
}

func (b *Backend) CreateDialog(ctx context.Context, d *dialog.Dialog) error {
	vars, msgRoute, err := marshalDialogFields(d)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO dialogs (id, title, assistant_id, model, vars, msg_route, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Title, d.AssistantID, d.Model, vars, msgRoute,
		d.CreatedAt.Format(time.RFC3339Nano), d.UpdatedAt.Format(time.RFC3339Nano))
	return errors.Wrap(err, "insert dialog")
}

func (b *Backend) GetDialog(ctx context.Context, id uuid.UUID) (*dialog.Dialog, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, title, assistant_id, model, vars, msg_route, created_at, updated_at FROM dialogs WHERE id = ?`,
		id.String())
	d, err := scanDialog(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("dialog %s not found", id)
	}
	return d, err
}

func (b *Backend) UpdateDialog(ctx context.Context, d *dialog.Dialog) error {
	vars, msgRoute, err := marshalDialogFields(d)
	if err != nil {
		return err
	}
	result, err := b.db.ExecContext(ctx,
		`UPDATE dialogs SET title = ?, assistant_id = ?, model = ?, vars = ?, msg_route = ?, updated_at = ? WHERE id = ?`,
		d.Title, d.AssistantID, d.Model, vars, msgRoute,
		d.UpdatedAt.Format(time.RFC3339Nano), d.ID.String())
	if err != nil {
		return errors.Wrap(err, "update dialog")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("dialog %s not found", d.ID)
	}
	return nil
}

func (b *Backend) DeleteDialog(ctx context.Context, id uuid.UUID) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE dialog_id = ?`, id.String()); err != nil {
		return errors.Wrap(err, "delete dialog nodes")
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM dialogs WHERE id = ?`, id.String())
	if err != nil {
		return errors.Wrap(err, "delete dialog")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("dialog %s not found", id)
	}
	return tx.Commit()
}

func (b *Backend) ListDialogs(ctx context.Context) ([]*dialog.Dialog, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, title, assistant_id, model, vars, msg_route, created_at, updated_at FROM dialogs ORDER BY created_at`)
	if err != nil {
		return nil, errors.Wrap(err, "list dialogs")
	}
	defer func() { _ = rows.Close() }()

	var ret []*dialog.Dialog
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, rows.Err()
}

func (b *Backend) CreateNode(ctx context.Context, dialogID uuid.UUID, node *dialog.MessageNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "marshal node")
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO nodes (dialog_id, id, parent_id, data) VALUES (?, ?, ?, ?)`,
		dialogID.String(), node.ID.String(), node.ParentID.String(), string(data))
	return errors.Wrap(err, "insert node")
}

func (b *Backend) UpdateNode(ctx context.Context, dialogID uuid.UUID, node *dialog.MessageNode) error {
	data, err := json.Marshal(node)
	if err != nil {
		return errors.Wrap(err, "marshal node")
	}
	result, err := b.db.ExecContext(ctx,
		`UPDATE nodes SET parent_id = ?, data = ? WHERE dialog_id = ? AND id = ?`,
		node.ParentID.String(), string(data), dialogID.String(), node.ID.String())
	if err != nil {
		return errors.Wrap(err, "update node")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errors.Errorf("node %s not found in dialog %s", node.ID, dialogID)
	}
	return nil
}

// UpdateNodes writes the batch inside a single transaction so branch
// switches stay all-or-nothing.
func (b *Backend) UpdateNodes(ctx context.Context, dialogID uuid.UUID, nodes []*dialog.MessageNode) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, node := range nodes {
		data, err := json.Marshal(node)
		if err != nil {
			return errors.Wrap(err, "marshal node")
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE nodes SET parent_id = ?, data = ? WHERE dialog_id = ? AND id = ?`,
			node.ParentID.String(), string(data), dialogID.String(), node.ID.String())
		if err != nil {
			return errors.Wrap(err, "update node")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errors.Errorf("node %s not found in dialog %s", node.ID, dialogID)
		}
	}
	return tx.Commit()
}

// DeleteSubtree removes the node and all descendants. The subtree is
// resolved in Go from the parent links, then deleted in one
// transaction.
func (b *Backend) DeleteSubtree(ctx context.Context, dialogID uuid.UUID, nodeID dialog.NodeID) error {
	nodes, err := b.ListNodes(ctx, dialogID)
	if err != nil {
		return err
	}

	index := dialog.BuildBranchIndex(nodes)
	doomed := []dialog.NodeID{nodeID}
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
	for i := 0; i < len(doomed); i++ {
		doomed = append(doomed, index[doomed[i]]...)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range doomed {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM nodes WHERE dialog_id = ? AND id = ?`, dialogID.String(), id.String()); err != nil {
			return errors.Wrap(err, "delete node")
		}
	}
	return tx.Commit()
}

func (b *Backend) ListNodes(ctx context.Context, dialogID uuid.UUID) ([]*dialog.MessageNode, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT data FROM nodes WHERE dialog_id = ? ORDER BY seq`, dialogID.String())
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}
	defer func() { _ = rows.Close() }()

	var ret []*dialog.MessageNode
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan node")
		}
		node := &dialog.MessageNode{}
		if err := json.Unmarshal([]byte(data), node); err != nil {
			return nil, errors.Wrap(err, "unmarshal node")
		}
		ret = append(ret, node)
	}
	return ret, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDialog(row rowScanner) (*dialog.Dialog, error) {
	var idStr, createdAt, updatedAt string
	var vars, msgRoute sql.NullString
	d := &dialog.Dialog{}
	if err := row.Scan(&idStr, &d.Title, &d.AssistantID, &d.Model, &vars, &msgRoute, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse dialog id")
	}
	d.ID = id

	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &d.Vars); err != nil {
			return nil, errors.Wrap(err, "unmarshal dialog vars")
		}
	}
	if msgRoute.Valid && msgRoute.String != "" {
		if err := json.Unmarshal([]byte(msgRoute.String), &d.MsgRoute); err != nil {
			return nil, errors.Wrap(err, "unmarshal msg route")
		}
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}
	return d, nil
}

func marshalDialogFields(d *dialog.Dialog) (string, string, error) {
	vars, err := json.Marshal(d.Vars)
	if err != nil {
		return "", "", errors.Wrap(err, "marshal dialog vars")
	}
	msgRoute, err := json.Marshal(d.MsgRoute)
	if err != nil {
		return "", "", errors.Wrap(err, "marshal msg route")
	}
	return string(vars), string(msgRoute), nil
}
