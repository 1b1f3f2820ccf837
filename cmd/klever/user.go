package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nstogner/klever/pkg/auth"
)

func (a *app) userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	var email, password string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account",
		Long:  `Create an account. The password is read from stdin when --password is not given.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			st, err := openStore(a.cfg.Store)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := auth.NewService(st, auth.Options{BcryptCost: a.cfg.Auth.BcryptCost})
			u, err := svc.CreateUser(cmd.Context(), auth.Credentials{Email: strings.TrimSpace(email), Password: password})
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", u.Email, u.ID)
			return nil
		},
	}
	create.Flags().StringVar(&email, "email", "", "account email")
	create.Flags().StringVar(&password, "password", "", "account password")
	create.Flags().Int("bcrypt-cost", 0, "bcrypt cost")
	create.MarkFlagRequired("email")
	addStoreFlags(create)

	cmd.AddCommand(create)
	return cmd
}
