package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zboralski/tarsier/internal/executor"
	"github.com/zboralski/tarsier/internal/ui/watch"
)

var (
	watchMap      string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Render a live table of the capture map",
	Long: `Watch attaches to the shared map file of a running session (run
--child-exec --map, or serve --map) and renders its rows as another
process fills them.`,
	RunE: doWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMap, "map", "", "shared map file of a live session")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", watch.DefaultInterval, "refresh period")
	rootCmd.AddCommand(watchCmd)
}

func doWatch(cmd *cobra.Command, args []string) error {
	if watchMap == "" {
		return fmt.Errorf("watch needs --map pointing at a session's shared map file")
	}
	shm, err := executor.OpenSharedMap(watchMap)
	if err != nil {
		return err
	}
	defer shm.Close()
	return watch.Run(shm.Map(), watchInterval)
}
