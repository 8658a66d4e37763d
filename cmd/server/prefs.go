package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alexacart/backend/internal/domain"
	"github.com/alexacart/backend/internal/infrastructure/sqlite"
	"github.com/alexacart/backend/internal/usecase"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// preferenceFile is the export format of the preference store
type preferenceFile struct {
	Version int                  `yaml:"version"`
	Items   []domain.GroceryItem `yaml:"items"`
}

func newPrefsCmd() *cobra.Command {
	prefsCmd := &cobra.Command{
		Use:   "prefs",
		Short: "Export or import learned product preferences",
	}

	var outPath string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write all grocery items and their ranked products as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, closeStore, err := openPreferences()
			if err != nil {
				return err
			}
			defer closeStore()

			items, err := prefs.ListItems(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list preferences: %w", err)
			}

			var out io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := writePreferences(out, items); err != nil {
				return err
			}
			logger.Info("Exported preferences", zap.Int("items", len(items)))
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&outPath, "output", "o", "", "file to write (default stdout)")

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Merge grocery items from a YAML export into the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			items, err := readPreferences(f)
			if err != nil {
				return err
			}

			prefs, closeStore, err := openPreferences()
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := prefs.Import(cmd.Context(), items)
			if err != nil {
				return fmt.Errorf("import stopped after %d items: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d items\n", n)
			return nil
		},
	}

	prefsCmd.AddCommand(exportCmd, importCmd)
	return prefsCmd
}

func openPreferences() (*usecase.PreferenceService, func(), error) {
	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	prefs := usecase.NewPreferenceService(sqlite.NewPreferenceRepository(db), logger)
	return prefs, func() { db.Close() }, nil
}

func writePreferences(w io.Writer, items []domain.GroceryItem) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(preferenceFile{Version: 1, Items: items}); err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	return enc.Close()
}

func readPreferences(r io.Reader) ([]domain.GroceryItem, error) {
	var file preferenceFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode preferences: %w", err)
	}
	if file.Version > 1 {
		return nil, fmt.Errorf("unsupported preference file version %d", file.Version)
	}
	return file.Items, nil
}
