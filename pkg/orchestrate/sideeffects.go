package orchestrate

import (
	"context"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/engine"
)

const sideEffectTimeout = 30 * time.Second

// titleTurnCount is the path length at which the title is generated.
// Exactly-equal means the effect fires once per dialog, not on every
// later turn.
const titleTurnCount = 4

// runSideEffects performs the best-effort post-completion work. It runs
// on its own detached context and never touches the assistant node's
// status; failures are logged and dropped.
func (o *Orchestrator) runSideEffects(dialogID uuid.UUID, model string) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	if o.config.GenerateTitles {
		g.Go(func() error { return o.generateTitle(ctx, dialogID, model) })
	}
	if o.config.ExtractContent {
		g.Go(func() error { return o.extractContent(ctx, dialogID) })
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("dialog_id", dialogID.String()).Msg("side effect failed")
	}
}

// generateTitle asks the engine for a short dialog title once the
// active path reaches the trigger length.
func (o *Orchestrator) generateTitle(ctx context.Context, dialogID uuid.UUID, model string) error {
	path, err := o.store.ActivePath(dialogID)
	if err != nil {
		return err
	}
	turns := 0
	for _, entry := range path {
		if entry.Node.Status != dialog.StatusInputing {
			turns++
		}
	}
	if turns != titleTurnCount {
		return nil
	}

	messages, err := o.projector.Project(ctx, path)
	if err != nil {
		return err
	}
	messages = append(messages, engine.Message{
		Role: engine.RoleUser,
		Text: "Reply with a short title (at most six words) for this conversation. Output only the title.",
	})

	response, err := o.engine.RunInference(ctx, &engine.Request{Model: model, Messages: messages}, nil)
	if err != nil {
		return err
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(response.Text), `"`))
	if title == "" {
		return nil
	}

	d, err := o.store.Dialog(dialogID)
	if err != nil {
		return err
	}
	d.Title = title
	if err := o.store.UpdateDialog(ctx, d); err != nil {
		return err
	}
	log.Debug().Str("dialog_id", dialogID.String()).Str("title", title).Msg("dialog title generated")
	return nil
}

// extractContent strips HTML from the text of the last two completed
// turns and stores the plain text in node metadata, leaving the
// original content untouched.
func (o *Orchestrator) extractContent(ctx context.Context, dialogID uuid.UUID) error {
	path, err := o.store.ActivePath(dialogID)
	if err != nil {
		return err
	}

	extracted := 0
	for i := len(path) - 1; i >= 0 && extracted < 2; i-- {
		node := path[i].Node
		if node.Status != dialog.StatusDefault {
			continue
		}
		text := nodeText(node)
		if !strings.Contains(text, "<") {
			extracted++
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
		if err != nil {
			return err
		}
		plain := strings.TrimSpace(doc.Text())
		if err := o.store.Update(ctx, dialogID, node.ID, func(n *dialog.MessageNode) {
			if n.Meta == nil {
				n.Meta = map[string]interface{}{}
			}
			n.Meta["extractedText"] = plain
		}); err != nil {
			return err
		}
		extracted++
	}
	return nil
}

func nodeText(n *dialog.MessageNode) string {
	text := ""
	for _, c := range n.Contents {
		switch block := c.(type) {
		case *dialog.UserMessageContent:
			text += block.Text
		case *dialog.AssistantMessageContent:
			text += block.Text
		}
	}
	return text
}
