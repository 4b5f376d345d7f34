package dialog

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type NodeID uuid.UUID

func (id NodeID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id))
}

func (id *NodeID) UnmarshalJSON(data []byte) error {
	var u uuid.UUID
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	*id = NodeID(u)
	return nil
}

func (id NodeID) String() string {
	return uuid.UUID(id).String()
}

func NewNodeID() NodeID {
	return NodeID(uuid.New())
}

// RootID marks a node as the root of its dialog (no parent).
var RootID = NodeID(uuid.Nil)

type NodeType string

const (
	NodeTypeUser      NodeType = "user"
	NodeTypeAssistant NodeType = "assistant"
)

// NodeStatus tracks a node through its generation lifecycle.
type NodeStatus string

const (
	StatusDefault   NodeStatus = "default"
	StatusPending   NodeStatus = "pending"
	StatusStreaming NodeStatus = "streaming"
	StatusInputing  NodeStatus = "inputing"
	StatusFailed    NodeStatus = "failed"
	StatusCancelled NodeStatus = "cancelled"
)

// IsTransient reports whether the status gates backend flushes.
// While a node is transient, Update only mutates the in-memory copy so
// token-level streaming does not flood the backend with writes.
func (s NodeStatus) IsTransient() bool {
	switch s {
	case StatusPending, StatusStreaming, StatusInputing:
		return true
	case StatusDefault, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

type BlockType string

const (
	BlockTypeUserMessage      BlockType = "user-message"
	BlockTypeAssistantMessage BlockType = "assistant-message"
	BlockTypeAssistantTool    BlockType = "assistant-tool"
)

// ContentBlock is one typed unit of content within a node. A single
// assistant turn may hold interleaved text and tool-call blocks.
type ContentBlock interface {
	BlockType() BlockType
	String() string
}

type AttachmentKind string

const (
	AttachmentText  AttachmentKind = "text"
	AttachmentFile  AttachmentKind = "file"
	AttachmentQuote AttachmentKind = "quote"
)

// Attachment references stored content; file bytes live in blob
// storage, FileRef is the lookup key.
type Attachment struct {
	ID       NodeID         `json:"id"`
	Kind     AttachmentKind `json:"kind"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType,omitempty"`
	Text     string         `json:"text,omitempty"`
	FileRef  string         `json:"fileRef,omitempty"`
}

type UserMessageContent struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (c *UserMessageContent) BlockType() BlockType { return BlockTypeUserMessage }
func (c *UserMessageContent) String() string       { return c.Text }

var _ ContentBlock = (*UserMessageContent)(nil)

type AssistantMessageContent struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (c *AssistantMessageContent) BlockType() BlockType { return BlockTypeAssistantMessage }
func (c *AssistantMessageContent) String() string       { return c.Text }

var _ ContentBlock = (*AssistantMessageContent)(nil)

// ToolCallStatus tracks an individual tool invocation inside a turn.
type ToolCallStatus string

const (
	ToolCalling   ToolCallStatus = "calling"
	ToolCompleted ToolCallStatus = "completed"
	ToolFailed    ToolCallStatus = "failed"
)

// ContentItem is one unit of a tool result (text, file reference or quote).
type ContentItem struct {
	Kind AttachmentKind `json:"kind"`
	Text string         `json:"text,omitempty"`
	Name string         `json:"name,omitempty"`
	Ref  string         `json:"ref,omitempty"`
}

type AssistantToolContent struct {
	PluginID string          `json:"pluginID"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
	Status   ToolCallStatus  `json:"status"`
	Result   []ContentItem   `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (c *AssistantToolContent) BlockType() BlockType { return BlockTypeAssistantTool }

func (c *AssistantToolContent) String() string {
	return c.Name + "(" + string(c.Args) + ")"
}

var _ ContentBlock = (*AssistantToolContent)(nil)

// MessageNode is one turn (user or assistant) in the dialog tree.
// Parent-child links are carried by ParentID only; adjacency is derived
// per read through BuildBranchIndex.
type MessageNode struct {
	ID       NodeID   `json:"id"`
	ParentID NodeID   `json:"parentID"`
	Type     NodeType `json:"type"`
	// Active marks the child chosen at this branch point. Among the
	// children of one parent at most one node has Active set; if none
	// does, the first child by listing order is treated as active.
	Active bool       `json:"active"`
	Status NodeStatus `json:"status"`

	Contents []ContentBlock `json:"contents"`

	// GeneratingSession is set while a generation run owns this node,
	// so concurrent viewers can tell a live stream from stale
	// pending/streaming leftovers of a crashed run.
	GeneratingSession string `json:"generatingSession,omitempty"`

	Error string `json:"error,omitempty"`

	Time       time.Time              `json:"time"`
	LastUpdate time.Time              `json:"lastUpdate"`
	Meta       map[string]interface{} `json:"meta,omitempty"`
}

type NodeOption func(*MessageNode)

func WithID(id NodeID) NodeOption {
	return func(n *MessageNode) { n.ID = id }
}

func WithParentID(parentID NodeID) NodeOption {
	return func(n *MessageNode) { n.ParentID = parentID }
}

func WithStatus(status NodeStatus) NodeOption {
	return func(n *MessageNode) { n.Status = status }
}

func WithActive(active bool) NodeOption {
	return func(n *MessageNode) { n.Active = active }
}

func WithTime(t time.Time) NodeOption {
	return func(n *MessageNode) { n.Time = t }
}

func WithMeta(meta map[string]interface{}) NodeOption {
	return func(n *MessageNode) { n.Meta = meta }
}

func NewMessageNode(nodeType NodeType, contents []ContentBlock, options ...NodeOption) *MessageNode {
	ret := &MessageNode{
		ID:         NewNodeID(),
		Type:       nodeType,
		Active:     true,
		Status:     StatusDefault,
		Contents:   contents,
		Time:       time.Now(),
		LastUpdate: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NewUserNode builds a user turn holding a single text block.
func NewUserNode(text string, options ...NodeOption) *MessageNode {
	return NewMessageNode(NodeTypeUser, []ContentBlock{&UserMessageContent{Text: text}}, options...)
}

// NewAssistantNode builds an assistant turn holding a single text block.
func NewAssistantNode(text string, options ...NodeOption) *MessageNode {
	return NewMessageNode(NodeTypeAssistant, []ContentBlock{&AssistantMessageContent{Text: text}}, options...)
}

// LastAssistantText returns the concatenated assistant text of the node.
func (n *MessageNode) LastAssistantText() string {
	text := ""
	for _, c := range n.Contents {
		if msg, ok := c.(*AssistantMessageContent); ok {
			text += msg.Text
		}
	}
	return text
}

type contentBlockEnvelope struct {
	Type    BlockType       `json:"type"`
	Content json.RawMessage `json:"content"`
}

type messageNodeAlias struct {
	ID                NodeID                 `json:"id"`
	ParentID          NodeID                 `json:"parentID"`
	Type              NodeType               `json:"type"`
	Active            bool                   `json:"active"`
	Status            NodeStatus             `json:"status"`
	Contents          []contentBlockEnvelope `json:"contents"`
	GeneratingSession string                 `json:"generatingSession,omitempty"`
	Error             string                 `json:"error,omitempty"`
	Time              time.Time              `json:"time"`
	LastUpdate        time.Time              `json:"lastUpdate"`
	Meta              map[string]interface{} `json:"meta,omitempty"`
}

func (n *MessageNode) MarshalJSON() ([]byte, error) {
	alias := messageNodeAlias{
		ID:                n.ID,
		ParentID:          n.ParentID,
		Type:              n.Type,
		Active:            n.Active,
		Status:            n.Status,
		GeneratingSession: n.GeneratingSession,
		Error:             n.Error,
		Time:              n.Time,
		LastUpdate:        n.LastUpdate,
		Meta:              n.Meta,
	}
	for _, c := range n.Contents {
		b, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		alias.Contents = append(alias.Contents, contentBlockEnvelope{
			Type:    c.BlockType(),
			Content: b,
		})
	}
	return json.Marshal(alias)
}

func (n *MessageNode) UnmarshalJSON(data []byte) error {
	var alias messageNodeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	n.ID = alias.ID
	n.ParentID = alias.ParentID
	n.Type = alias.Type
	n.Active = alias.Active
	n.Status = alias.Status
	n.GeneratingSession = alias.GeneratingSession
	n.Error = alias.Error
	n.Time = alias.Time
	n.LastUpdate = alias.LastUpdate
	n.Meta = alias.Meta
	n.Contents = nil

	for _, env := range alias.Contents {
		switch env.Type {
		case BlockTypeUserMessage:
			var content *UserMessageContent
			if err := json.Unmarshal(env.Content, &content); err != nil {
				return err
			}
			n.Contents = append(n.Contents, content)
		case BlockTypeAssistantMessage:
			var content *AssistantMessageContent
			if err := json.Unmarshal(env.Content, &content); err != nil {
				return err
			}
			n.Contents = append(n.Contents, content)
		case BlockTypeAssistantTool:
			var content *AssistantToolContent
			if err := json.Unmarshal(env.Content, &content); err != nil {
				return err
			}
			n.Contents = append(n.Contents, content)
		default:
			return errors.Errorf("unknown content block type %q", env.Type)
		}
	}

	return nil
}
