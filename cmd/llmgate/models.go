package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgate/internal/provider"
)

var modelsURLIdx int

var modelsCmd = &cobra.Command{
	Use:   "models <provider>",
	Short: "List the models a provider's endpoints serve",
	Args:  cobra.ExactArgs(1),
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().IntVar(&modelsURLIdx, "url-idx", -1, "ask only this endpoint index")
}

func runModels(cmd *cobra.Command, args []string) error {
	kind, err := provider.ParseKind(args[0])
	if err != nil {
		return err
	}

	rt, err := newRuntime(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer rt.close()

	var idx *int
	if modelsURLIdx >= 0 {
		idx = &modelsURLIdx
	}
	models, err := rt.services[kind].Models(cmd.Context(), idx)
	if err != nil {
		return err
	}

	color.Blue("%s models (%d):", provider.Describe(kind).DisplayName, len(models))
	for _, m := range models {
		urls := make([]string, len(m.URLs))
		for i, u := range m.URLs {
			urls[i] = strconv.Itoa(u)
		}
		fmt.Printf("  %-40s urls=[%s]\n", m.ID, strings.Join(urls, ","))
	}
	return nil
}
