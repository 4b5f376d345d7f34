package dialog

import (
	"time"

	"github.com/google/uuid"
)

// Dialog groups a flat collection of message nodes with the assistant
// binding, per-dialog input variables and model override that the
// mutation protocol passes through to generation.
type Dialog struct {
	ID          uuid.UUID         `json:"id"`
	Title       string            `json:"title,omitempty"`
	AssistantID string            `json:"assistantID,omitempty"`
	Model       string            `json:"model,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`

	// MsgRoute caches the active path as a legacy index vector. It is
	// derived from per-node Active flags, never authoritative.
	MsgRoute []int `json:"msgRoute,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type DialogOption func(*Dialog)

func WithDialogID(id uuid.UUID) DialogOption {
	return func(d *Dialog) { d.ID = id }
}

func WithAssistant(assistantID string) DialogOption {
	return func(d *Dialog) { d.AssistantID = assistantID }
}

func WithModel(model string) DialogOption {
	return func(d *Dialog) { d.Model = model }
}

func WithVars(vars map[string]string) DialogOption {
	return func(d *Dialog) { d.Vars = vars }
}

func NewDialog(options ...DialogOption) *Dialog {
	ret := &Dialog{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}
