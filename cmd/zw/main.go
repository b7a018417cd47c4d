package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zw-go/internal/app"
	"zw-go/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a wired App. The caller must defer
// a.Close().
func newApp(ctx context.Context) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "zw",
	Short: "Snapshot consistency witness",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Listen:    %s:%d\n", cfg.Server.Host, cfg.Server.Port)
		fmt.Printf("Database:  %s\n", cfg.Database.Type)
		fmt.Printf("Window:    %dh\n", cfg.Sync.WindowHours)
		fmt.Printf("Archive:   %s (every %d passes)\n", cfg.Archive.Type, cfg.Archive.EveryPasses)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the witness server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Serve(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

// pass command
var passCmd = &cobra.Command{
	Use:   "pass",
	Short: "Run one reconciliation pass for every enabled group",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RunPassOnce(ctx); err != nil {
			return fmt.Errorf("pass failed: %w", err)
		}
		fmt.Println("Pass complete")
		return nil
	},
}

// machines command
var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "List registered machines and their connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		health, err := a.Engine().MachinesHealth(ctx)
		if err != nil {
			return err
		}
		if len(health) == 0 {
			fmt.Println("No machines registered.")
			return nil
		}
		for _, h := range health {
			lastSeen := "never"
			if h.Machine.LastSeen != nil {
				lastSeen = h.Machine.LastSeen.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%-10s %-24s %-8s last seen %s\n",
				h.Connectivity, h.Machine.Hostname, h.Machine.Platform, lastSeen)
		}
		return nil
	},
}

// groups command
var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List sync groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		groups, err := a.Store().ListGroups(ctx)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups configured.")
			return nil
		}
		for _, g := range groups {
			state := "enabled"
			if !g.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-24s %-9s %-13s %d members, strategy %s\n",
				g.Name, state, g.Topology, len(g.MemberIDs), g.Strategy)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init PASSPHRASE",
	Short: "Generate the archive encryption key pair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetupKeys(args[0]); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Archive encryption keys generated")
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Manage witness database archives",
}

var archivePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload an encrypted copy of the witness database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		name, err := a.ArchivePush(ctx)
		if err != nil {
			return fmt.Errorf("archive push failed: %w", err)
		}
		fmt.Printf("Archived as %s\n", name)
		return nil
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore DEST_PATH PASSPHRASE",
	Short: "Restore the witness database from an archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		ctx := context.Background()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ArchiveRestore(ctx, name, args[0], args[1]); err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored to %s\n", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	keysCmd.AddCommand(keysInitCmd)
	archiveCmd.AddCommand(archivePushCmd)
	archiveCmd.AddCommand(archiveRestoreCmd)
	archiveRestoreCmd.Flags().String("name", "", "Archive name (defaults to the newest)")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(passCmd)
	rootCmd.AddCommand(machinesCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(archiveCmd)
}
