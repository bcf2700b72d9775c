package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/spf13/cobra"
)

func keygenCmd() *cobra.Command {
	var (
		outDir string
		name   string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "生成 P-256 密钥对 (PKCS#8 私钥 / PKIX 公钥, PEM)",
		RunE: func(cmd *cobra.Command, args []string) error {
			privPath := filepath.Join(outDir, name+"_private.pem")
			pubPath := filepath.Join(outDir, name+"_public.pem")
			if !force {
				for _, p := range []string{privPath, pubPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s 已存在, 使用 --force 覆盖", p)
					}
				}
			}

			privDER, pubDER, err := protocol.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(privPath, protocol.EncodePrivateKeyPEM(privDER), 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(pubPath, protocol.EncodePublicKeyPEM(pubDER), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "私钥: %s\n公钥: %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "输出目录")
	cmd.Flags().StringVar(&name, "name", "platform", "文件名前缀")
	cmd.Flags().BoolVar(&force, "force", false, "覆盖已有文件")
	return cmd
}
