package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wolf",
	Short: "可優雅關機的 HTTP 服務",
	Long:  "wolf 在關機時先從服務註冊中心註銷、等待上游快取過期，再停止接收新連線並分兩階段排空工作池。",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "設定檔路徑")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
