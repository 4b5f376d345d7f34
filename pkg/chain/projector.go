package chain

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/engine"
)

// BlobResolver resolves an attachment file reference to its bytes.
// Only the projector needs it; the tree algorithms never touch blob
// storage.
type BlobResolver interface {
	Resolve(ctx context.Context, fileRef string) ([]byte, error)
}

// Options controls how the active path is projected into the message
// sequence the generation API consumes.
type Options struct {
	// MaxTurns windows the chain to the last N path entries; zero
	// means no turn limit.
	MaxTurns int
	// TokenBudget drops oldest turns until the chain fits; zero means
	// no token limit.
	TokenBudget int
	// AcceptedMimeTypes lists the binary attachment types the target
	// model declares as inputs. Attachments outside the list are
	// dropped, not errored: availability wins over strictness.
	AcceptedMimeTypes []string
	// Blobs resolves file attachments; when nil, binary attachments
	// are referenced by URL-less parts carrying only the FileRef.
	Blobs BlobResolver
}

// Projector converts the resolved active path into the role/content
// message sequence for the generation API: text and attachments for
// user turns, text for assistant turns, and paired tool-call /
// tool-result messages for completed tool blocks.
type Projector struct {
	opts    Options
	counter *tokenCounter
}

func NewProjector(opts Options) (*Projector, error) {
	p := &Projector{opts: opts}
	if opts.TokenBudget > 0 {
		counter, err := newTokenCounter()
		if err != nil {
			return nil, err
		}
		p.counter = counter
	}
	return p, nil
}

// Project builds the chain. Nodes whose status is `inputing` are
// excluded entirely: they are unsent drafts, not history. Tool blocks
// are only emitted when completed; pending or failed calls carry no
// useful result and are left out of context.
func (p *Projector) Project(ctx context.Context, path dialog.Path) ([]engine.Message, error) {
	entries := path
	if p.opts.MaxTurns > 0 && len(entries) > p.opts.MaxTurns {
		entries = entries[len(entries)-p.opts.MaxTurns:]
	}

	var messages []engine.Message
	for _, entry := range entries {
		node := entry.Node
		if node.Status == dialog.StatusInputing {
			continue
		}
		for _, block := range node.Contents {
			switch content := block.(type) {
			case *dialog.UserMessageContent:
				messages = append(messages, p.projectUserMessage(ctx, content))
			case *dialog.AssistantMessageContent:
				if content.Text == "" {
					continue
				}
				messages = append(messages, engine.Message{
					Role: engine.RoleAssistant,
					Text: content.Text,
				})
			case *dialog.AssistantToolContent:
				if content.Status != dialog.ToolCompleted {
					continue
				}
				call, result := projectToolBlock(content)
				messages = append(messages, call, result)
			}
		}
	}

	if p.counter != nil {
		messages = p.trimToBudget(messages)
	}
	return messages, nil
}

func (p *Projector) projectUserMessage(ctx context.Context, content *dialog.UserMessageContent) engine.Message {
	msg := engine.Message{
		Role: engine.RoleUser,
		Text: content.Text,
	}

	for _, attachment := range content.Attachments {
		if attachment.Text != "" {
			// Inline extracted text, tagged so the model can tell
			// attachment content from the user's own words.
			msg.Text += fmt.Sprintf("\n<attachment kind=%q name=%q>\n%s\n</attachment>",
				attachment.Kind, attachment.Name, attachment.Text)
			continue
		}
		if attachment.FileRef == "" {
			continue
		}
		if !mimeAccepted(attachment.MimeType, p.opts.AcceptedMimeTypes) {
			log.Warn().Str("attachment", attachment.Name).Str("mime_type", attachment.MimeType).
				Msg("dropping attachment with unaccepted mime type")
			continue
		}
		part := engine.ContentPart{
			Kind:     engine.PartFile,
			MimeType: attachment.MimeType,
			URL:      attachment.FileRef,
		}
		if isImageMime(attachment.MimeType) {
			part.Kind = engine.PartImage
		}
		if p.opts.Blobs != nil {
			if data, err := p.opts.Blobs.Resolve(ctx, attachment.FileRef); err == nil {
				part.Data = data
				part.URL = ""
			} else {
				log.Warn().Err(err).Str("attachment", attachment.Name).Msg("failed to resolve attachment blob")
			}
		}
		msg.Parts = append(msg.Parts, part)
	}

	return msg
}

// projectToolBlock emits the paired tool-call and tool-result
// messages. The correlation id is freshly generated per projection;
// the persisted block has no provider-scoped id of its own.
func projectToolBlock(content *dialog.AssistantToolContent) (engine.Message, engine.Message) {
	callID := uuid.NewString()

	call := engine.Message{
		Role: engine.RoleAssistant,
		ToolCalls: []engine.ToolCall{{
			ID:   callID,
			Name: content.Name,
			Args: content.Args,
		}},
	}

	resultText := ""
	for _, item := range content.Result {
		if item.Text != "" {
			if resultText != "" {
				resultText += "\n"
			}
			resultText += item.Text
		}
	}

	result := engine.Message{
		Role:       engine.RoleTool,
		Text:       resultText,
		ToolCallID: callID,
	}
	return call, result
}

// trimToBudget drops the oldest messages until the chain fits the
// token budget, keeping tool-call/tool-result pairs intact.
func (p *Projector) trimToBudget(messages []engine.Message) []engine.Message {
	total := 0
	counts := make([]int, len(messages))
	for i, msg := range messages {
		counts[i] = p.counter.Count(msg.Text)
		total += counts[i]
	}

	start := 0
	for total > p.opts.TokenBudget && start < len(messages)-1 {
		total -= counts[start]
		start++
		// Never start the window on a dangling tool result.
		for start < len(messages) && messages[start].Role == engine.RoleTool {
			total -= counts[start]
			start++
		}
	}
	// When the chain ends in tool results the skip above can run off the
	// end; back up so the final call and its results always survive.
	if start >= len(messages) {
		start = len(messages) - 1
		for start > 0 && messages[start].Role == engine.RoleTool {
			start--
		}
	}
	if start > 0 {
		log.Debug().Int("dropped", start).Int("token_total", total).Msg("chain trimmed to token budget")
	}
	return messages[start:]
}

func mimeAccepted(mimeType string, accepted []string) bool {
	if mimeType == "" {
		return false
	}
	for _, m := range accepted {
		if m == mimeType {
			return true
		}
	}
	return false
}

func isImageMime(mimeType string) bool {
	return len(mimeType) > 6 && mimeType[:6] == "image/"
}
