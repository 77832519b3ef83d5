package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nhle/task-sync/internal/model"
)

func vapidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vapid",
		Short: "Print the VAPID public key, generating a key pair if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.keys == nil {
				return errors.New("VAPID keys could not be loaded; see log")
			}

			out := cmd.OutOrStdout()
			if save, _ := cmd.Flags().GetBool("save"); save {
				a.cfg.Push.PublicKey = a.keys.PublicKey
				a.cfg.Push.PrivateKey = a.keys.PrivateKey
				if err := model.SaveConfig(a.configPath, a.cfg); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote key pair to %s\n", a.configPath)
			}
			if private, _ := cmd.Flags().GetBool("show-private"); private {
				fmt.Fprintf(out, "TASKD_PUSH_PUBLIC_KEY=%s\nTASKD_PUSH_PRIVATE_KEY=%s\n",
					a.keys.PublicKey, a.keys.PrivateKey)
				return nil
			}
			fmt.Fprintln(out, a.keys.PublicKey)
			return nil
		},
	}

	cmd.Flags().Bool("save", false, "Pin the key pair into the config file")
	cmd.Flags().Bool("show-private", false, "Print both keys as environment assignments")

	return cmd
}
