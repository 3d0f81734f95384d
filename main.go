// ccr is a remote-access broker for an interactive PTY-based CLI
// assistant: `ccr serve` runs the broker, `ccr attach` is the raw
// terminal relay client, and `ccr token` mints a new bearer token.
// Command structure follows the pack's cobra-rooted CLI convention
// (ehrlich-b-wingthing's `wt` binary).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccr-dev/ccr/src/auth"
	"github.com/ccr-dev/ccr/src/broker"
	"github.com/ccr-dev/ccr/src/client"
	"github.com/ccr-dev/ccr/src/config"
	"github.com/ccr-dev/ccr/src/files"
	"github.com/ccr-dev/ccr/src/relay"
	"github.com/ccr-dev/ccr/src/session"
)

func main() {
	root := &cobra.Command{
		Use:   "ccr",
		Short: "Remote-access broker for a PTY-based CLI assistant",
	}
	root.AddCommand(serveCmd(), attachCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		port    int
		host    string
		command string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ccr broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("command") {
				cfg.ChildCommand = command
			}

			baseDir, err := stateDir()
			if err != nil {
				return err
			}

			manager, err := session.NewManager(baseDir, 30*time.Minute, 0, cfg.ChildCommand, cfg.Logger)
			if err != nil {
				return fmt.Errorf("serve: create session manager: %w", err)
			}
			defer manager.DestroyAll()

			fileHandler := files.NewHandler(baseDir)
			srv := broker.New(cfg.JWTSecret, manager, fileHandler, cfg.Logger)

			if err := writePIDFile(); err != nil {
				cfg.Logger.WithError(err).Warn("serve: failed to write pid file")
			}
			defer removePIDFile()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cfg.Logger.Info("serve: shutting down")
				cancel()
			}()

			addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
			cfg.Logger.Infof("serve: listening on %s", addr)
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().IntVar(&port, "port", config.DefaultPort, "port to listen on")
	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "host to bind")
	cmd.Flags().StringVar(&command, "command", "", "child command to run per session (default: first of claude, claude-code, $SHELL, /bin/sh found)")
	return cmd
}

func attachCmd() *cobra.Command {
	var (
		url   string
		token string
	)

	cmd := &cobra.Command{
		Use:   "attach [session-id]",
		Short: "Attach a raw terminal relay to the broker",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			if token == "" {
				token, err = loadOrMintToken(cfg)
				if err != nil {
					return err
				}
			}
			if url == "" {
				url = fmt.Sprintf("ws://%s:%d/ws", defaultAttachHost(cfg.Host), cfg.Port)
			}

			c := client.New(url, token, true, cfg.Logger)
			if len(args) == 1 {
				c.SetAttachedSessionID(args[0])
			}

			r := relay.New(c, cfg.Logger)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			if err := r.Run(ctx); err != nil {
				if err == relay.ErrReconnectExhausted {
					os.Exit(1)
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "broker WebSocket URL (default: ws://<host>:<port>/ws)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default: read from ~/.ccr/token)")
	return cmd
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Mint a new bearer token and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.CreateAccessToken(cfg.JWTSecret)
			if err != nil {
				return err
			}
			if err := persistToken(token); err != nil {
				cfg.Logger.WithError(err).Warn("token: failed to persist token file")
			}
			fmt.Println(token)
			return nil
		},
	}
}

// defaultAttachHost substitutes localhost for a wildcard bind address,
// since the broker's own listen host is not a dialable loopback target.
func defaultAttachHost(host string) string {
	if host == "0.0.0.0" || host == "" {
		return "localhost"
	}
	return host
}

func stateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".ccr")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return dir, nil
}

func writePIDFile() error {
	dir, err := stateDir()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "server.pid"), []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func removePIDFile() {
	dir, err := stateDir()
	if err != nil {
		return
	}
	os.Remove(filepath.Join(dir, "server.pid"))
}

func persistToken(token string) error {
	dir, err := stateDir()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "token"), []byte(token+"\n"), 0o600)
}

// loadOrMintToken reads the persisted token file, minting and persisting
// a fresh one if it's missing or already expired.
func loadOrMintToken(cfg *config.Config) (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	tokenPath := filepath.Join(dir, "token")
	if raw, err := os.ReadFile(tokenPath); err == nil {
		token := strings.TrimSpace(string(raw))
		if _, err := auth.VerifyAccessToken(token, cfg.JWTSecret); err == nil {
			return token, nil
		}
	}

	token, err := auth.CreateAccessToken(cfg.JWTSecret)
	if err != nil {
		return "", err
	}
	if err := persistToken(token); err != nil {
		return "", err
	}
	return token, nil
}
