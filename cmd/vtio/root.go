package main

import (
	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/skdltmxn/vtable-go/addrspace"
)

var rootCmd = &cobra.Command{
	Use:   "vtio",
	Short: "Cross-ABI C++ vtable identity recovery",
	Long: `vtio recovers C++ virtual function identities across compiler ABIs.

Run "extract" against an Itanium-ABI build of a program to export its
RTTI-recovered vtable layouts, then "apply" against an MSVC-ABI build of
the same program to name its anonymous virtual functions from the
exported layouts.

Both commands operate on an address-space snapshot exported from the
host binary-analysis database.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	log.SetHandler(clihandler.Default)

	rootCmd.PersistentFlags().BoolP("verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().Int("pointer-size", 0,
		"override the snapshot's pointer width (4 or 8)")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("pointer-size", rootCmd.PersistentFlags().Lookup("pointer-size"))
	viper.SetEnvPrefix("vtio")
	viper.AutomaticEnv()

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// loadSpace reads the snapshot an argument names and applies the
// pointer-width override if one was given.
func loadSpace(path string) (*addrspace.MapSpace, error) {
	as, err := addrspace.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	if ps := viper.GetInt("pointer-size"); ps != 0 {
		if err := as.SetPointerSize(ps); err != nil {
			return nil, err
		}
	}
	return as, nil
}
