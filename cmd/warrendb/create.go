package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warrendb/internal/catalog"
	"github.com/cuemby/warrendb/internal/engine"
)

var createCmd = &cobra.Command{
	Use:   "create PATH",
	Short: "Create a new, empty database at PATH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		coord, err := engine.Create(path)
		if err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		defer coord.Close()

		if _, err := catalog.Open(coord); err != nil {
			return fmt.Errorf("initialize catalog: %w", err)
		}

		fmt.Printf("✓ database created at %s\n", path)
		return nil
	},
}
