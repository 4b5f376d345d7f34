package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/marionette/pkg/dialog"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored dialogs",
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, closeBackend, err := openBackend()
			if err != nil {
				return err
			}
			defer closeBackend()

			dialogs, err := backend.ListDialogs(cmd.Context())
			if err != nil {
				return err
			}
			if len(dialogs) == 0 {
				fmt.Println("no dialogs")
				return nil
			}
			for _, d := range dialogs {
				printDialog(cmd, d)
			}
			return nil
		},
	}
}

func printDialog(cmd *cobra.Command, d *dialog.Dialog) {
	title := d.Title
	if title == "" {
		title = "(untitled)"
	}
	cmd.Printf("%s  %-30s  %s\n", d.ID, title, d.UpdatedAt.Format("2006-01-02 15:04"))
}
