package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhirsama/oslp-adapter/src/config"
	"github.com/spf13/cobra"
)

var configPath string

// Run 解析命令行并执行，收到 SIGINT/SIGTERM 时取消 ctx
func Run() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "oslp-adapter",
		Short:         "OSLP 路灯协议适配器",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径 (yaml/toml/json)")

	root.AddCommand(serveCmd(), keygenCmd(), devicesCmd(), simulateCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}
