package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	input "github.com/tcnksm/go-input"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/marionette/pkg/dialog"
	"github.com/go-go-golems/marionette/pkg/engine/openai"
	"github.com/go-go-golems/marionette/pkg/events"
	"github.com/go-go-golems/marionette/pkg/orchestrate"
)

// streamPrinter renders generation events to the terminal as they
// arrive.
type streamPrinter struct{}

func (p *streamPrinter) HandleStart(_ context.Context, _ *events.EventStart) error {
	fmt.Print("assistant: ")
	return nil
}

func (p *streamPrinter) HandlePartialCompletion(_ context.Context, e *events.EventPartialCompletion) error {
	fmt.Print(e.Delta)
	return nil
}

func (p *streamPrinter) HandlePartialThinking(_ context.Context, e *events.EventThinkingPartial) error {
	fmt.Print(e.Delta)
	return nil
}

func (p *streamPrinter) HandleToolCall(_ context.Context, e *events.EventToolCall) error {
	fmt.Printf("\n[calling %s %s]\n", e.ToolCall.Name, e.ToolCall.Input)
	return nil
}

func (p *streamPrinter) HandleToolResult(_ context.Context, e *events.EventToolResult) error {
	if e.ToolResult.Error != "" {
		fmt.Printf("[tool failed: %s]\n", e.ToolResult.Error)
	} else {
		fmt.Printf("[tool result: %s]\n", e.ToolResult.Result)
	}
	return nil
}

func (p *streamPrinter) HandleFinal(_ context.Context, _ *events.EventFinal) error {
	fmt.Println()
	return nil
}

func (p *streamPrinter) HandleError(_ context.Context, e *events.EventError) error {
	fmt.Printf("\ngeneration failed: %s\n", e.ErrorString)
	return nil
}

func (p *streamPrinter) HandleInterrupt(_ context.Context, _ *events.EventInterrupt) error {
	fmt.Println("\n[interrupted]")
	return nil
}

func newChatCommand() *cobra.Command {
	var varsFile string
	var systemPrompt string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with branch navigation",
		Long: `Starts an interactive dialog. Besides plain messages, a few
commands are available:

  /regen        regenerate the last assistant turn as a new branch
  /switch N M   switch to sibling M at path position N
  /tree         show the active path with branch positions
  /quit         exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := loadVars(varsFile)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), vars, systemPrompt)
		},
	}
	cmd.Flags().StringVar(&varsFile, "vars-file", "", "YAML file with dialog variables for the system prompt")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "system prompt template (sprig functions over .Vars)")
	return cmd
}

func loadVars(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("parse vars file: %w", err)
	}
	return vars, nil
}

func runChat(ctx context.Context, vars map[string]string, systemPrompt string) error {
	backend, closeBackend, err := openBackend()
	if err != nil {
		return err
	}
	defer closeBackend()

	store := dialog.NewStore(backend)
	d := dialog.NewDialog(dialog.WithModel(viper.GetString("model")), dialog.WithVars(vars))
	if err := store.CreateDialog(ctx, d); err != nil {
		return err
	}

	eng := openai.NewEngine(openai.Settings{
		APIKey:  viper.GetString("api-key"),
		BaseURL: viper.GetString("base-url"),
	})

	router, err := events.NewEventRouter()
	if err != nil {
		return err
	}
	defer func() { _ = router.Close() }()

	publisher := events.NewPublisherManager()
	publisher.SubscribePublisher("chat", router.Publisher)
	router.AddChatHandler("cli-printer", "chat", &streamPrinter{})

	routerCtx, cancelRouter := context.WithCancel(ctx)
	defer cancelRouter()
	go func() {
		if err := router.Run(routerCtx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "event router stopped: %v\n", err)
		}
	}()
	<-router.Running()

	orch, err := orchestrate.New(store, eng, orchestrate.Config{
		Model:          viper.GetString("model"),
		SystemPrompt:   systemPrompt,
		GenerateTitles: true,
	}, orchestrate.WithPublisher(publisher))
	if err != nil {
		return err
	}
	defer orch.Wait()

	ui := &input.UI{Writer: os.Stdout, Reader: os.Stdin}

	for {
		line, err := ui.Ask("you", &input.Options{Required: true, HideOrder: true})
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "/quit":
			return nil
		case line == "/tree":
			printPath(store, d)
			continue
		case line == "/regen":
			node, err := lastAssistantNode(store, d)
			if err != nil {
				fmt.Println(err)
				continue
			}
			if _, err := orch.Regenerate(ctx, d.ID, node.ID); err != nil {
				fmt.Println(err)
			}
			continue
		case strings.HasPrefix(line, "/switch "):
			if err := switchBranch(ctx, store, d, line); err != nil {
				fmt.Println(err)
			} else {
				printPath(store, d)
			}
			continue
		}

		user, err := sendUserMessage(ctx, store, d, line)
		if err != nil {
			return err
		}
		if _, err := orch.Generate(ctx, d.ID, user.ID); err != nil {
			return err
		}
	}
}

// sendUserMessage fills the draft node left by the previous generation
// when one is present, and appends a fresh node otherwise.
func sendUserMessage(ctx context.Context, store *dialog.Store, d *dialog.Dialog, text string) (*dialog.MessageNode, error) {
	path, err := store.ActivePath(d.ID)
	if err != nil {
		return nil, err
	}
	if len(path) > 0 {
		leaf := path[len(path)-1].Node
		if leaf.Type == dialog.NodeTypeUser && leaf.Status == dialog.StatusInputing {
			if err := store.Update(ctx, d.ID, leaf.ID, func(n *dialog.MessageNode) {
				n.Status = dialog.StatusDefault
				n.Contents = []dialog.ContentBlock{&dialog.UserMessageContent{Text: text}}
			}); err != nil {
				return nil, err
			}
			return leaf, nil
		}
		return store.Add(ctx, d.ID, path[len(path)-1].Node.ID, dialog.NewUserNode(text))
	}
	return store.Add(ctx, d.ID, dialog.RootID, dialog.NewUserNode(text))
}

func switchBranch(ctx context.Context, store *dialog.Store, d *dialog.Dialog, line string) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("usage: /switch <position> <sibling>")
	}
	position, err := strconv.Atoi(fields[1])
	if err != nil {
		return err
	}
	sibling, err := strconv.Atoi(fields[2])
	if err != nil {
		return err
	}
	path, err := store.ActivePath(d.ID)
	if err != nil {
		return err
	}
	return store.SwitchBranch(ctx, d.ID, path, position, sibling)
}

func printPath(store *dialog.Store, d *dialog.Dialog) {
	path, err := store.ActivePath(d.ID)
	if err != nil {
		fmt.Println(err)
		return
	}
	for i, entry := range path {
		text := ""
		for _, block := range entry.Node.Contents {
			text += block.String()
		}
		if len(text) > 60 {
			text = text[:60] + "..."
		}
		fmt.Printf("%2d [%d/%d] %-9s %s\n", i, entry.Index+1, len(entry.SiblingIDs), entry.Node.Type, text)
	}
}

func lastAssistantNode(store *dialog.Store, d *dialog.Dialog) (*dialog.MessageNode, error) {
	path, err := store.ActivePath(d.ID)
	if err != nil {
		return nil, err
	}
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Node.Type == dialog.NodeTypeAssistant {
			return path[i].Node, nil
		}
	}
	return nil, fmt.Errorf("no assistant turn yet")
}
