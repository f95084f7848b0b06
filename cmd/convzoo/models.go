package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"convzoo/internal/models"
)

// ModelsCommand lists the registry.
type ModelsCommand struct{}

var _ subcommands.Command = (*ModelsCommand)(nil)

func (*ModelsCommand) Name() string           { return "models" }
func (*ModelsCommand) Synopsis() string       { return "List the model names accepted by --model" }
func (*ModelsCommand) Usage() string          { return "models\n" }
func (*ModelsCommand) SetFlags(*flag.FlagSet) {}

func (*ModelsCommand) Execute(context.Context, *flag.FlagSet, ...interface{}) subcommands.ExitStatus {
	reg := models.DefaultRegistry()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tARCH\tFAMILY")
	for _, name := range reg.Names() {
		arch, err := reg.Lookup(name)
		if err != nil {
			return subcommands.ExitFailure
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, arch.Name, arch.Family)
	}
	if err := w.Flush(); err != nil {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
