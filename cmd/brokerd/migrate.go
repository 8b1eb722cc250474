package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"webhookbroker/internal/config"
	"webhookbroker/internal/store"
)

var (
	migrateDBPath string
	migrateBackup string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply outstanding schema migrations to the store database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate()
	},
}

func init() {
	cfg := config.Load()
	migrateCmd.Flags().StringVar(&migrateDBPath, "db-path", cfg.Store.Path, "path to the broker's bbolt database file")
	migrateCmd.Flags().StringVar(&migrateBackup, "backup", "", "path to back up the database to before migrating (default: <db-path>.backup)")
}

func runMigrate() error {
	if _, err := os.Stat(migrateDBPath); err == nil {
		backup := migrateBackup
		if backup == "" {
			backup = migrateDBPath + ".backup"
		}
		if err := copyFile(migrateDBPath, backup); err != nil {
			return fmt.Errorf("backup database: %w", err)
		}
		fmt.Printf("backed up %s to %s\n", migrateDBPath, backup)
	}

	// Open applies every outstanding migration as part of opening the file.
	st, err := store.Open(migrateDBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	fmt.Printf("migrations applied to %s\n", migrateDBPath)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
