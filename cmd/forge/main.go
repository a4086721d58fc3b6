// forge is the administration CLI for forge-service: persisted-store
// management, retrieval tools over MCP, and config bootstrap.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ternarybob/forge/internal/app"
	"github.com/ternarybob/forge/internal/config"
	"github.com/ternarybob/forge/internal/mcp"
	"github.com/ternarybob/forge/pkg/dbadmin"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "forge",
	Short:         "forge — local multi-agent code generation service",
	Long:          "Forge routes requests by intent to chat, analysis or a full generate-test-validate workflow against a local LLM runtime. This CLI administers its persisted stores.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: "+config.DefaultConfigPath()+")")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(initConfigCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forge: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func newAdmin() (*dbadmin.Admin, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return dbadmin.New(dbadmin.Config{
		ConversationsDir: cfg.Memory.PersistDir,
		VectorDir:        cfg.RAG.PersistDirectory,
		BackupsDir:       cfg.BackupsDir(),
	}, nil), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forge %s\n", Version)
		},
	}
}

func initConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config",
		Short: "Write an example config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if err := config.WriteExampleConfig(path); err != nil {
				return err
			}
			fmt.Printf("Example config written to %s\n", path)
			return nil
		},
	}
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage persisted stores (conversations, vector index)",
	}
	cmd.AddCommand(dbListCmd())
	cmd.AddCommand(dbStatsCmd())
	cmd.AddCommand(dbBackupCmd())
	cmd.AddCommand(dbRestoreCmd())
	cmd.AddCommand(dbCleanupCmd())
	return cmd
}

func dbListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered stores and backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin()
			if err != nil {
				return err
			}

			stores := admin.Discover()
			if len(stores) == 0 {
				fmt.Println("No stores found.")
			}
			for _, s := range stores {
				fmt.Printf("%-28s %-14s %8s  %d items  %s\n",
					s.Name, s.Type, dbadmin.FormatSize(s.SizeBytes), s.Items, s.Path)
			}

			backups, err := admin.ListBackups()
			if err != nil {
				return err
			}
			if len(backups) > 0 {
				fmt.Println("\nBackups:")
				for _, b := range backups {
					fmt.Printf("%-28s %s  %s\n", b.StoreName,
						b.CreatedAt.Format("2006-01-02 15:04:05"), dbadmin.FormatSize(b.SizeBytes))
				}
			}
			return nil
		},
	}
}

func dbStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin()
			if err != nil {
				return err
			}

			stats := admin.Stats()
			fmt.Printf("Stores:  %d\n", len(stats.Stores))
			fmt.Printf("Items:   %d\n", stats.TotalItems)
			fmt.Printf("Size:    %s\n", dbadmin.FormatSize(stats.TotalBytes))
			fmt.Printf("Backups: %d\n", stats.Backups)
			return nil
		},
	}
}

func dbBackupCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "backup [store]",
		Short: "Back up one store (or --all) into output/backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin()
			if err != nil {
				return err
			}

			if all {
				paths, err := admin.BackupAll()
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Printf("Backed up: %s\n", p)
				}
				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("specify a store name or --all (see 'forge db list')")
			}
			path, err := admin.Backup(args[0], "")
			if err != nil {
				return err
			}
			fmt.Printf("Backed up: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "back up every store")
	return cmd
}

func dbRestoreCmd() *cobra.Command {
	var backupPath string
	var database string

	cmd := &cobra.Command{
		Use:   "restore --backup PATH [--database NAME]",
		Short: "Restore a store from a backup (takes a safety backup first)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupPath == "" {
				return fmt.Errorf("--backup is required")
			}
			admin, err := newAdmin()
			if err != nil {
				return err
			}
			if err := admin.Restore(backupPath, database); err != nil {
				return err
			}
			fmt.Println("Restore complete.")
			return nil
		},
	}

	cmd.Flags().StringVar(&backupPath, "backup", "", "backup directory to restore from")
	cmd.Flags().StringVar(&database, "database", "", "target store (default: backup's original store)")
	return cmd
}

func dbCleanupCmd() *cobra.Command {
	var days int
	var execute bool

	cmd := &cobra.Command{
		Use:   "cleanup --days N [--execute]",
		Short: "Remove conversations idle for more than N days (dry-run by default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := newAdmin()
			if err != nil {
				return err
			}

			report, err := admin.Cleanup(days, execute)
			if err != nil {
				return err
			}

			if report.DryRun {
				fmt.Printf("Dry run: %d conversation(s) would be deleted.\n", len(report.Candidates))
				if len(report.Candidates) > 0 {
					fmt.Println(strings.Join(report.Candidates, "\n"))
					fmt.Println("\nRe-run with --execute to delete.")
				}
			} else {
				fmt.Printf("Deleted %d conversation(s).\n", report.Deleted)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 30, "idle age threshold in days")
	cmd.Flags().BoolVar(&execute, "execute", false, "actually delete (default is dry run)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the retrieval tools (search_context, find_experience) over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			application, err := app.Build(cfg)
			if err != nil {
				return err
			}

			server := mcp.NewServer(application.Contexts, application.Experiences, cfg.Context.Extensions, Version)
			return server.ServeStdio()
		},
	}
}
