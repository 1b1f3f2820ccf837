package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/reconcile"
)

type reconciledChat struct {
	ID       string                  `json:"id,omitempty"`
	Title    string                  `json:"title"`
	Messages []domain.DisplayMessage `json:"messages"`
}

func (a *app) reconcileCmd() *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "reconcile [file]",
		Short: "Print the display messages of a stored message log",
		Long: `Reads a stored message log (a JSON array of provider messages) from a file,
from stdin, or from the database with --chat, and prints the messages a user
would see, with tool results attached to their calls.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := a.loadChat(cmd, chatID, args)
			if err != nil {
				return err
			}
			out := reconciledChat{
				ID:       chat.ID,
				Title:    reconcile.Title(chat),
				Messages: reconcile.Messages(chat.Messages),
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&chatID, "chat", "", "reconcile the stored chat with this id")
	addStoreFlags(cmd)
	return cmd
}

func (a *app) loadChat(cmd *cobra.Command, chatID string, args []string) (*domain.Chat, error) {
	if chatID != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("--chat and a file are mutually exclusive")
		}
		st, err := openStore(a.cfg.Store)
		if err != nil {
			return nil, err
		}
		defer st.Close()
		return st.GetChatByID(cmd.Context(), chatID)
	}

	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	msgs, err := domain.DecodeLog(data)
	if err != nil {
		return nil, err
	}
	return &domain.Chat{Messages: msgs}, nil
}
