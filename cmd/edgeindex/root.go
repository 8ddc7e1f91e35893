package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/CVDpl/go-edgeindex/pkg/edgeindex"
)

const envPrefix = "EDGEINDEX"

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	rc := &cobra.Command{
		Use:   "edgeindex",
		Short: "Build CSR-style forward and reverse indices over an edge list.",
		Long: `edgeindex reads the source and target node id arrays of an edge list
from a container file and writes, for each direction, a node_id_to_ranges
array and a range_to_edge_id array back into the same file. Builds run on a
group of ranks, either goroutines of one process or processes joined over
TCP.

Every flag can also be set from the environment (EDGEINDEX_<FLAG>, dashes
replaced by underscores) or from a TOML file given with --config. Flags
take precedence over the environment, which takes precedence over the file.`,
		Version:       edgeindex.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setAllConfig(viper.New(), cmd.Flags())
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")

	rc.AddCommand(newBuildCommand(stdin, stdout, stderr))
	rc.AddCommand(newGenerateCommand(stdin, stdout, stderr))
	rc.AddCommand(newCheckCommand(stdin, stdout, stderr))
	rc.AddCommand(newLookupCommand(stdin, stdout, stderr))
	rc.AddCommand(newGenerateConfigCommand(stdin, stdout, stderr))

	rc.SetIn(stdin)
	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig fills every flag in flags that was not given on the command
// line from, in order, the environment and the config file named by
// --config. Keys in the file that no flag of the running command defines
// are ignored, so one file can serve every subcommand.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	if err := v.BindPFlags(flags); err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// a slice from the config file is not readable with GetString
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		if err := f.Value.Set(value); err != nil {
			flagErr = fmt.Errorf("option %s: %w", f.Name, err)
		}
	})
	return flagErr
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
