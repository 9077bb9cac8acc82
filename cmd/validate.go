package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"wolf/internal/config"
)

func init() {
	rootCmd.AddCommand(validateCmd)
}

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "檢查設定檔並顯示關機時間上限",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		s := cfg.Shutdown
		fmt.Fprintf(out, "config ok: %s\n", configPath)
		fmt.Fprintf(out, "deregister timeout: %s\n", s.DeregisterTimeout())
		fmt.Fprintf(out, "quiesce wait:       %s\n", s.QuiesceWait())
		fmt.Fprintf(out, "pool drain timeout: %s (per phase)\n", s.PoolDrainTimeout())
		fmt.Fprintf(out, "worst-case drain:   %s\n", WorstCaseDrain(s))
		if cfg.Registry.Enabled() {
			fmt.Fprintf(out, "registry:           %s (app %s)\n", cfg.Registry.URL, cfg.Registry.App)
		} else {
			fmt.Fprintln(out, "registry:           disabled")
		}
		fmt.Fprintf(out, "background jobs:    %t\n", cfg.Jobs.Enabled)
		return nil
	},
}
