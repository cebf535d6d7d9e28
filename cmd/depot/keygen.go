package main

import (
	"fmt"
	"os"

	"github.com/oriys/depot/internal/backend/secure"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key for the file-backed secure keychain",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := secure.GenerateKey()
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(key)
				return nil
			}
			if err := os.WriteFile(out, []byte(key+"\n"), 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}
			fmt.Printf("Key written to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the key to this file instead of stdout")

	return cmd
}
