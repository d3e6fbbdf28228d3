package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RishabhIDS/d8-byte-app/internal/auth"
	"github.com/RishabhIDS/d8-byte-app/internal/chatid"
	"github.com/RishabhIDS/d8-byte-app/internal/chatlist"
	"github.com/RishabhIDS/d8-byte-app/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newRootCmd 构建 chatctl 命令树，供本地联调使用。
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Local tooling for the d8-byte chat service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(tokenCmd(), chatIDCmd(), botsCmd(), sendCmd())
	return root
}

// defaultSecret 与服务端一致地从环境变量与 .env 读取。
func defaultSecret() string { return config.Load().JWTSecret }

func defaultTTL() time.Duration {
	return time.Duration(config.Load().AccessTokenTTLMinutes) * time.Minute
}

func tokenCmd() *cobra.Command {
	var (
		name   string
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := chatid.ValidateUserID(args[0]); err != nil {
				return err
			}
			if secret == "" {
				secret = defaultSecret()
			}
			if ttl <= 0 {
				ttl = defaultTTL()
			}
			token, err := auth.GenerateAccessToken(args[0], name, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name used to create the profile on first visit")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ACCESS_TOKEN_TTL_MINUTES)")
	return cmd
}

func chatIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chatid <user-a> <user-b>",
		Short: "Print the conversation id shared by two users",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := chatid.Resolve(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func botsCmd() *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "bots",
		Short: "Validate and print the bot list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			bots, err := chatlist.LoadBots(file)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(bots)
			}
			return yaml.NewEncoder(out).Encode(bots)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "bot list YAML (default built-in list)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")
	return cmd
}

func sendCmd() *cobra.Command {
	var (
		addr, as, to, text, secret string
		timeout                    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a message through a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = defaultSecret()
			}
			token, err := auth.GenerateAccessToken(as, "", secret, time.Minute)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return postMessage(ctx, cmd.OutOrStdout(), addr, token, to, text)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "server base URL")
	cmd.Flags().StringVar(&as, "as", "", "sender user id")
	cmd.Flags().StringVar(&to, "to", "", "recipient user id")
	cmd.Flags().StringVar(&text, "text", "", "message text")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default JWT_SECRET)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("as")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func postMessage(ctx context.Context, out io.Writer, addr, token, to, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	url := strings.TrimRight(addr, "/") + "/api/v1/conversations/" + to + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusAccepted:
		_, err = fmt.Fprintf(out, "%s\n", bytes.TrimSpace(data))
		return err
	default:
		return fmt.Errorf("send: %s: %s", resp.Status, bytes.TrimSpace(data))
	}
}
