package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Catalog store maintenance",
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Open the catalog store, creating any missing buckets",
	Long: `Opens the bbolt-backed catalog at --config's catalog_path, which
creates every entity bucket that does not already exist. Safe to run
against an already-migrated database.`,
	RunE: runCatalogMigrate,
}

func init() {
	catalogMigrateCmd.Flags().String("backup", "", "Back up catalog.db to this path before migrating")
	catalogCmd.AddCommand(catalogMigrateCmd)
}

func runCatalogMigrate(cmd *cobra.Command, args []string) error {
	backupPath, _ := cmd.Flags().GetString("backup")
	dbPath := filepath.Join(cfg.CatalogPath, "catalog.db")

	if backupPath != "" {
		if _, err := os.Stat(dbPath); err == nil {
			if err := copyFile(dbPath, backupPath); err != nil {
				return fmt.Errorf("backing up %s: %w", dbPath, err)
			}
			fmt.Printf("Backed up %s to %s\n", dbPath, backupPath)
		}
	}

	store, err := openCatalog()
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer store.Close()

	fmt.Printf("Catalog at %s is up to date.\n", dbPath)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
