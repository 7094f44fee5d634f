package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterConfig = `{
  "server": {
    "addr": ":8080",
    "allowed_origins": ["*"],
    "file_storage_path": "./converso-files"
  },
  "storage": {
    "driver": "sqlite",
    "dsn": "converso.db"
  },
  "session": {
    "grace_window": "30s"
  },
  "logging": {
    "level": "info",
    "format": "json"
  }
}
`

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "converso-hub.json"
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", output)
			}
			if err := os.WriteFile(output, []byte(starterConfig), 0o644); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./converso-hub.json)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
