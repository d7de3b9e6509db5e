package app

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hitoshi/bacheca/internal/database"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションを削除するワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewRootCommand はbachecaのルートコマンドを生成する。サブコマンド省略時はserveを実行する。
// ログはwに出力する。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := serveCmd(w)

	root := &cobra.Command{
		Use:           "bacheca",
		Short:         "Job board API server",
		Long:          "bacheca serves the job board API: Google sign-in, role selection, listings and applications.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		workerCmd(w),
		migrateCmd(w),
		healthcheckCmd(),
	)
	return root
}

func serveCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			logStart(CommandServe, cfg.ServerPort, cfg.BaseURL)
			return runServe(cmd.Context(), cfg)
		},
	}
}

func workerCmd(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandWorker),
		Short: "Purge expired sessions periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			logStart(CommandWorker, cfg.ServerPort, cfg.BaseURL)
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func migrateCmd(w io.Writer) *cobra.Command {
	var (
		direction string
		steps     int
	)

	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply or roll back database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := database.ParseDirection(direction)
			if err != nil {
				return err
			}
			if steps < 0 {
				return fmt.Errorf("--steps must not be negative: %d", steps)
			}

			cfg, err := Init(w)
			if err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			return runMigrate(cfg, dir, steps)
		},
	}

	cmd.Flags().StringVarP(&direction, "direction", "d", string(database.Up), "migration direction (up or down)")
	cmd.Flags().IntVarP(&steps, "steps", "n", 0, "number of migrations to apply (0 = all)")
	return cmd
}

// healthcheckCmd は軽量サブコマンドのため、フル初期化をスキップする。
func healthcheckCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check the local API server's /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), "http://localhost:"+port)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", cmp.Or(os.Getenv("SERVER_PORT"), "8080"), "API server port")
	return cmd
}

func logStart(cmd Command, port, baseURL string) {
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", port),
		slog.String("base_url", baseURL),
	)
}
