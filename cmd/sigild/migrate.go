package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	sqlstorage "github.com/sigilid/sigil/storage/sql"
)

func commandMigrate() *cobra.Command {
	return &cobra.Command{
		Use:     "migrate [flags] [config file]",
		Short:   "Apply pending database schema migrations and exit",
		Example: "sigild migrate config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			c, err := loadConfig(args[0])
			if err != nil {
				return err
			}

			db, err := sql.Open("postgres", c.DatabaseURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			applied, err := sqlstorage.Migrate(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migrations\n", applied)
			return nil
		},
	}
}
