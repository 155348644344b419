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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bizassist/internal/agent/jobqueue"
	"bizassist/internal/api/http/middleware"
	"bizassist/internal/runtime/realtime"
	"bizassist/pkg/auth"
	"bizassist/pkg/config"
	"bizassist/pkg/secrets"
)

func newQueuesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "queues", Short: "查看或暂停/恢复任务队列"}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats <queue>",
		Short: "队列各状态任务数",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(opts, "GET", "/api/queues/"+url.PathEscape(args[0])+"/stats", nil)
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
				stats, _ := v["stats"].(map[string]any)
				fmt.Fprintf(w, "%s\n", v["queue"])
				for _, k := range []string{"waiting", "active", "delayed", "completed", "failed"} {
					fmt.Fprintf(w, "  %-10s %v\n", k, stats[k])
				}
			})
		},
	})
	for _, action := range []string{"pause", "resume"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <queue>",
			Short: action + " 队列",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				out, err := call(opts, "POST", "/api/queues/"+url.PathEscape(args[0])+"/"+action, nil)
				if err != nil {
					return err
				}
				return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
					fmt.Fprintf(w, "%s paused=%v\n", v["queue"], v["paused"])
				})
			},
		})
	}
	return cmd
}

func newApprovalsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "approvals", Short: "人工审批"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <session>",
		Short: "会话内待处理的审批",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(opts, "GET", "/api/sessions/"+url.PathEscape(args[0])+"/approvals", nil)
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
				list, _ := v["approvals"].([]any)
				if len(list) == 0 {
					fmt.Fprintln(w, "no pending approvals")
					return
				}
				for _, item := range list {
					a, _ := item.(map[string]any)
					fmt.Fprintf(w, "%s  %-20v %-8v expires %v\n", a["id"], a["toolName"], a["priority"], a["expiresAt"])
				}
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "respond <approval-id> <approve|reject>",
		Short: "应答审批",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(opts, "POST", "/api/approvals/"+url.PathEscape(args[0])+"/respond", map[string]string{"decision": args[1]})
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
				fmt.Fprintf(w, "%s %v\n", v["approvalId"], v["decision"])
			})
		},
	})
	return cmd
}

func newRateLimitCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ratelimit <session>",
		Short: "会话当前窗口的准入计数",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(opts, "GET", "/api/sessions/"+url.PathEscape(args[0])+"/rate-limit", nil)
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
				fmt.Fprintf(w, "count=%v limit=%v remaining=%v withinLimit=%v\n", v["count"], v["limit"], v["remaining"], v["withinLimit"])
			})
		},
	}
}

func newMessagesCommand(opts *rootOptions) *cobra.Command {
	var messageID, role string
	cmd := &cobra.Command{
		Use:   "messages <session> <content>",
		Short: "投递一条消息到持久化队列",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := call(opts, "POST", "/api/sessions/"+url.PathEscape(args[0])+"/messages", map[string]string{
				"messageId": messageID, "role": role, "content": args[1],
			})
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
				fmt.Fprintf(w, "queued job %v\n", v["jobId"])
			})
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "消息 ID")
	cmd.Flags().StringVar(&role, "message-role", "user", "消息角色")
	return cmd
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "会话事件"}

	var after int64
	list := &cobra.Command{
		Use:   "list <session>",
		Short: "列出序号大于 --after 的事件",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/sessions/%s/events?after=%d", url.PathEscape(args[0]), after)
			out, err := call(opts, "GET", path, nil)
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), out, func(w io.Writer, v map[string]any) {
				events, _ := v["events"].([]any)
				for _, item := range events {
					e, _ := item.(map[string]any)
					fmt.Fprintf(w, "%6v  %-20v %v\n", e["sequenceNumber"], e["eventType"], e["persistedAt"])
				}
			})
		},
	}
	list.Flags().Int64Var(&after, "after", 0, "起始序号（不含）")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "tail <session>",
		Short: "通过 Redis 订阅会话实时事件（需 realtime.type=redis）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), opts.Config)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			client, err := jobqueue.DialRedis(ctx, cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return fmt.Errorf("连接 Redis 失败: %w", err)
			}
			defer client.Close()
			return tail(ctx, realtime.NewRedisPublisher(client, cfg.Realtime.ChannelPrefix), args[0], cmd.OutOrStdout())
		},
	})
	return cmd
}

// tail 把 Redis 频道转发到本地 Hub 后订阅单个会话，逐行输出 JSON
func tail(ctx context.Context, pub *realtime.RedisPublisher, sessionID string, w io.Writer) error {
	hub := realtime.NewHub()
	events, cancel := hub.Subscribe(sessionID)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- pub.Forward(ctx, hub) }()
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var userID, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "用 api.jwt.key 离线签发访问 token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return fmt.Errorf("--for-user is required")
			}
			cfg, err := loadConfig(cmd.Context(), opts.Config)
			if err != nil {
				return err
			}
			token, expire, err := issueToken(cfg, userID, auth.ParseRole(role))
			if err != nil {
				return err
			}
			return render(opts, cmd.OutOrStdout(), map[string]any{"token": token, "expire": expire.Format(time.RFC3339)},
				func(w io.Writer, v map[string]any) { fmt.Fprintln(w, v["token"]) })
		},
	}
	cmd.Flags().StringVar(&userID, "for-user", "", "token 对应的用户 ID")
	cmd.Flags().StringVar(&role, "for-role", string(auth.RoleUser), "token 携带的角色")
	return cmd
}

func issueToken(cfg *config.Config, userID string, role auth.Role) (string, time.Time, error) {
	if cfg.API.JWT.Key == "" {
		return "", time.Time{}, fmt.Errorf("api.jwt.key 未配置")
	}
	mw, err := middleware.NewJWTAuth([]byte(cfg.API.JWT.Key),
		config.ParseDuration(cfg.API.JWT.Timeout, time.Hour), config.ParseDuration(cfg.API.JWT.MaxRefresh, time.Hour))
	if err != nil {
		return "", time.Time{}, err
	}
	return mw.TokenGenerator(middleware.Identity{UserID: userID, Role: role})
}

// loadConfig 读取配置并解析其中的密钥引用
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	store, err := secrets.NewStore(cfg.Secrets)
	if err != nil {
		return nil, err
	}
	if err := config.ResolveSecrets(ctx, cfg, store); err != nil {
		return nil, err
	}
	return cfg, nil
}
