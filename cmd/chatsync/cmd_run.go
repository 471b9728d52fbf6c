package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/worklane/chatsync/config"
	"github.com/worklane/chatsync/internal/chat"
	"github.com/worklane/chatsync/internal/models"
	"github.com/worklane/chatsync/internal/transport"
	"github.com/worklane/chatsync/pkg/logger"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect and chat interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			var log *logger.Logger
			if cfg.Server.Env == "development" {
				log, err = logger.NewDevelopment()
			} else {
				log, err = logger.New(cfg.Log.Level)
			}
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			conn := transport.NewConn(cfg.Server.WSURL, cfg.Auth.Token, cfg.Sync.MaxReconnectWait, log)
			client, err := chat.New(cfg, conn, log)
			if err != nil {
				return err
			}

			client.OnMessage = func(msg models.Message) {
				if msg.ConversationID == client.Store().ActiveConversation() {
					fmt.Printf("<< %s\n", msg.Body)
				}
			}
			client.OnSendFailed = func(msg models.Message, err error) {
				fmt.Printf("!! failed to send %q: %v (retry with /retry)\n", msg.Body, err)
			}
			client.OnTyping = func(p models.TypingPayload) {
				if p.IsTyping && p.ConversationID == client.Store().ActiveConversation() {
					fmt.Println("... peer is typing")
				}
			}
			client.OnDisconnect = func(err error) {
				fmt.Println("-- disconnected, reconnecting")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "connection loop ended: %v\n", err)
				}
			}()

			if _, err := client.LoadConversations(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "initial load failed: %v\n", err)
			}

			repl(ctx, client)
			return conn.Close()
		},
	}
}

func repl(ctx context.Context, client *chat.Client) {
	fmt.Println("commands: /list, /open <n>, /quit; anything else is sent to the open conversation")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return

		case line == "/list":
			for i, conv := range client.Store().ListConversations() {
				name := conv.ID.String()
				if conv.Name != nil {
					name = *conv.Name
				}
				fmt.Printf("%2d. %-30s unread=%d  %s\n", i+1, name, conv.UnreadCount, conv.LastMessage)
			}

		case strings.HasPrefix(line, "/open "):
			n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			convs := client.Store().ListConversations()
			if err != nil || n < 1 || n > len(convs) {
				fmt.Println("usage: /open <n> (see /list)")
				continue
			}
			conv := convs[n-1]
			msgs, err := client.SelectConversation(ctx, conv.ID)
			if err != nil {
				fmt.Printf("!! %v\n", err)
				continue
			}
			if err := client.JoinChat(conv.ID); err != nil {
				fmt.Printf("!! join: %v\n", err)
			}
			for _, m := range msgs {
				dir := "<<"
				if m.SenderID == client.UserID() {
					dir = ">>"
				}
				fmt.Printf("%s %s\n", dir, m.Body)
			}

		default:
			active := client.Store().ActiveConversation()
			if active == uuid.Nil {
				fmt.Println("open a conversation first (/list, /open <n>)")
				continue
			}
			if _, err := client.SendMessage(ctx, active, nil, line); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		}
	}
}
