package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var baseURL, credential string

	root := &cobra.Command{
		Use:           "taskforge",
		Short:         "taskforge runs and drives an autonomous coding agent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:4621", "taskforge daemon base URL")
	root.PersistentFlags().StringVar(&credential, "credential", os.Getenv("TASKFORGE_API_CREDENTIAL"), "API credential for mutating commands")

	root.AddCommand(newServeCmd())
	root.AddCommand(newTaskCmd(&baseURL, &credential))
	return root
}
