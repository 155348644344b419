// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions 全局参数
type rootOptions struct {
	APIURL string
	UserID string
	Role   string
	Token  string
	Config string
	Format string // text | json
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bizassist",
		Short:         "bizassist 运维命令行",
		Long:          "查看与管理任务队列、人工审批、会话限流与会话事件。",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.APIURL, "api-url", envOr("BIZASSIST_API_URL", "http://localhost:8080"), "API 地址")
	flags.StringVar(&opts.UserID, "user", envOr("BIZASSIST_USER", ""), "未启用 JWT 时以该用户身份请求")
	flags.StringVar(&opts.Role, "role", envOr("BIZASSIST_ROLE", ""), "未启用 JWT 时的角色（admin|operator|user）")
	flags.StringVar(&opts.Token, "token", envOr("BIZASSIST_TOKEN", ""), "Bearer token")
	flags.StringVar(&opts.Config, "config", envOr("CONFIG_PATH", "configs/api.yaml"), "配置文件路径（token 与 events tail 使用）")
	flags.StringVar(&opts.Format, "format", "text", "输出格式（text|json）")

	cmd.AddCommand(newQueuesCommand(opts))
	cmd.AddCommand(newApprovalsCommand(opts))
	cmd.AddCommand(newRateLimitCommand(opts))
	cmd.AddCommand(newMessagesCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bizassist cli 0.1.0")
		},
	})
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
