package main

import (
	"errors"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Vector store commands",
}

var vectorPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the configured vector engine",
	RunE:  runVectorPing,
}

func init() {
	vectorCmd.AddCommand(vectorPingCmd)
}

func runVectorPing(cmd *cobra.Command, _ []string) error {
	rt, err := newRuntime(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.vector == nil {
		color.Yellow("no vector engine configured (vector.engine is empty)")
		return nil
	}
	if !rt.vector.TestConnection(cmd.Context()) {
		return errors.New("vector engine " + rt.cfg.Vector.Engine + " is not reachable")
	}
	color.Green("vector engine %s: ok", rt.cfg.Vector.Engine)
	return nil
}
