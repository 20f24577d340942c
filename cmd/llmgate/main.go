// Package main is the entry point for the llmgate gateway.
//
// The binary has a few subcommands, built with cobra (the Go equivalent of
// commander.js):
//
//	llmgate serve                 run the HTTP gateway
//	llmgate models <provider>     print the merged model list once
//	llmgate vector ping           check the configured vector engine
package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

// configPath is shared by every subcommand through a persistent flag.
var configPath string

var rootCmd = &cobra.Command{
	Use:           "llmgate",
	Short:         "llmgate - multi-provider LLM gateway",
	Long:          `An OpenAI-compatible gateway in front of Anthropic, Google and OpenAI-style endpoints, with an optional vector store.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(vectorCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}
