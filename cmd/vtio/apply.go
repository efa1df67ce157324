package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/skdltmxn/vtable-go/interchange"
	"github.com/skdltmxn/vtable-go/internal/progress"
	"github.com/skdltmxn/vtable-go/msvc"
	"github.com/skdltmxn/vtable-go/reconcile"
	"github.com/skdltmxn/vtable-go/vtable"
)

var (
	applyTables string
	applyWrite  bool
)

var applyCmd = &cobra.Command{
	Use:   "apply <snapshot.json>",
	Short: "Name virtual functions in an MSVC-ABI binary",
	Long: `Apply walks the MSVC RTTI metadata in an address-space snapshot, builds
the class hierarchy, reconciles each class's vtables against the layouts
in an interchange document produced by "extract", and assigns names to
the matching anonymous function addresses.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	RunE:          runApply,
}

func init() {
	applyCmd.Flags().StringVarP(&applyTables, "tables", "t", "vtables.json",
		"interchange document to read")
	applyCmd.Flags().BoolVarP(&applyWrite, "write", "w", false,
		"write the renamed snapshot back out")
}

func runApply(cmd *cobra.Command, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply failed unexpectedly: %v", r)
		}
	}()

	as, err := loadSpace(args[0])
	if err != nil {
		return err
	}
	doc, err := interchange.Load(applyTables)
	if err != nil {
		return err
	}

	diags := vtable.NewCollector(nil)
	rep := progress.New(nil)

	walker := msvc.NewWalker(as, diags, rep)
	tis, err := walker.Scan()
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	hierarchy := msvc.NewBuilder(as, tis, diags, rep).Build()
	sum, err := reconcile.NewEngine(as, doc, diags, rep).Run(hierarchy)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}

	if sum.FunctionsNamed > 0 {
		color.Green("Named %d virtual functions across %d classes (%d skipped)",
			sum.FunctionsNamed, sum.ClassesMatched, sum.ClassesSkipped)
	} else {
		color.Yellow("No functions were named (%d classes matched, %d skipped)",
			sum.ClassesMatched, sum.ClassesSkipped)
	}
	if n := len(sum.Diagnostics); n > 0 {
		color.Yellow("%d diagnostics reported", n)
	}

	if applyWrite {
		if err := as.SaveSnapshot(args[0]); err != nil {
			return err
		}
	}
	return nil
}
