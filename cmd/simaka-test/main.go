// simaka-test 通过 RADIUS 对 AAA 服务器执行 EAP-SIM/AKA 认证，用于联调与回归测试
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "simaka-test",
	Short:         "EAP-SIM/EAP-AKA peer test client",
	Long:          "simaka-test authenticates a (soft) SIM against a RADIUS server with EAP-SIM or EAP-AKA and prints the derived MSK/EMSK.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
