package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one reminder scan and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.dispatcher.Configured() {
				return fmt.Errorf("push is not configured; nothing to send")
			}

			res := a.scanner.RunOnce(commandContext(cmd))
			fmt.Fprintf(cmd.OutOrStdout(), "users scanned: %d\ntasks notified: %d\nuser errors: %d\n",
				res.UsersScanned, res.TasksNotified, res.UserErrors)
			if res.UserErrors > 0 {
				return fmt.Errorf("%d user(s) failed; see log", res.UserErrors)
			}
			return nil
		},
	}
}
