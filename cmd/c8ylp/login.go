package main

import (
	"github.com/spf13/cobra"
)

// loginCmd is a thin stub: interactive OAuth/TFA login exchange is owned by
// an external collaborator (§6 "consumed by external collaborator"). The
// core only ever consumes the resulting --token/--user/--password/--tfa-code
// values; this command exists so the CLI surface matches §6's verb list
// without the core reimplementing a login flow.
func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "login",
		Short:   "Interactive login is handled outside this tool",
		Example: "  c8ylp server d01 --host https://x.y --token $(c8y-cli-login --print-token)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newUsageError("login is not implemented by the core; obtain a token externally and pass --token or C8Y_TOKEN")
		},
	}
}
