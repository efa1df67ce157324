package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/vtable-go/internal/progress"
	"github.com/skdltmxn/vtable-go/itanium"
	"github.com/skdltmxn/vtable-go/vtable"
)

var extractOutput string

var extractCmd = &cobra.Command{
	Use:   "extract <snapshot.json>",
	Short: "Export vtable layouts from an Itanium-ABI binary",
	Long: `Extract walks the Itanium RTTI metadata in an address-space snapshot
and writes the recovered class -> offset -> function-name tables to an
interchange document for a later "apply" run.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	RunE:          runExtract,
}

func init() {
	extractCmd.Flags().StringVarP(&extractOutput, "output", "o", "vtables.json",
		"interchange document to write")
}

func runExtract(cmd *cobra.Command, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract failed unexpectedly: %v", r)
		}
	}()

	as, err := loadSpace(args[0])
	if err != nil {
		return err
	}

	diags := vtable.NewCollector(nil)
	walker := itanium.NewWalker(as, diags, progress.New(nil))
	doc, err := walker.Extract()
	if err != nil {
		return fmt.Errorf("extract failed: %w", err)
	}
	if err := doc.Save(extractOutput); err != nil {
		return err
	}

	tables := 0
	for _, t := range doc {
		tables += len(t)
	}
	color.Green("Exported %d vtables across %d classes to %s", tables, len(doc), extractOutput)
	if n := len(diags.Diagnostics()); n > 0 {
		color.Yellow("%d diagnostics reported", n)
	}
	return nil
}
