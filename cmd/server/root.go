package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aeolun/roomcast/pkg/server"
)

type serveOptions struct {
	configPath string
	port       int
	dbPath     string
	debug      bool
	pprofAddr  string
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}

	rootCmd := &cobra.Command{
		Use:           "roomcast-server",
		Short:         "Multi-room broadcast server",
		Long:          "roomcast-server runs the roomcast broadcast server over TCP, SSH and WebSocket, with rooms, a ledger, polls and file relay.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.configPath, "config", "~/.roomcast/config.toml", "Path to config file")
	flags.IntVar(&opts.port, "port", 0, "TCP port to listen on (overrides config)")
	flags.StringVar(&opts.dbPath, "db", "", "Path to SQLite event store (overrides config)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.pprofAddr, "pprof", "", "Serve pprof on this address, e.g. localhost:6060")

	rootCmd.AddCommand(newHashPasswordCmd())

	return rootCmd
}

// loadServerConfig reads the TOML file and applies flag overrides
func loadServerConfig(opts *serveOptions) (server.ServerConfig, error) {
	tomlConfig, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return server.ServerConfig{}, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := tomlConfig.ToServerConfig()
	if err != nil {
		return server.ServerConfig{}, err
	}

	if opts.port != 0 {
		cfg.TCPPort = opts.port
	}
	if opts.dbPath != "" {
		cfg.DatabasePath = opts.dbPath
	}
	return cfg, nil
}

func runServer(ctx context.Context, opts *serveOptions) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	server.SetDebug(opts.debug)

	cfg, err := loadServerConfig(opts)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	log.Printf("roomcast server %s started", Version)
	log.Printf("Config: %s", opts.configPath)
	log.Printf("Available connection methods:")
	log.Printf("  - Binary Protocol (TCP): port %d", cfg.TCPPort)
	if cfg.SSHPort > 0 {
		log.Printf("  - SSH: port %d (host key %s)", cfg.SSHPort, cfg.SSHHostKeyPath)
	}
	if cfg.HTTPPort > 0 {
		log.Printf("  - WebSocket: port %d (ws://server:%d/ws)", cfg.HTTPPort, cfg.HTTPPort)
	}
	if cfg.DatabasePath != "" {
		log.Printf("Event store: %s", cfg.DatabasePath)
	}

	if opts.pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof server on http://%s", opts.pprofAddr)
			if err := http.ListenAndServe(opts.pprofAddr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	<-ctx.Done()

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
	return nil
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash to place under [auth.users]",
		Long:  "Hashes the password given as argument, or the first line of stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hash, err := server.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func readPassword(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
