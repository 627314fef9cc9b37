package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/anastasop/imgcache/internal/prefetch"
)

var (
	warmAt      int
	warmTimeout time.Duration
	warmList    bool
)

var warmCmd = &cobra.Command{
	Use:   "warm [file|dir]...",
	Short: "Decode the images around a position and report the cache",
	Long: `warm scans the files, positions the cache at --at and waits until the
images of the target range are decoded or the retries run out.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)
	warmCmd.Flags().IntVar(&warmAt, "at", 0, "position to warm around")
	warmCmd.Flags().DurationVar(&warmTimeout, "timeout", 5*time.Minute, "give up after this long")
	warmCmd.Flags().BoolVarP(&warmList, "list", "l", false, "list the items of the target range")
}

func runWarm(cmd *cobra.Command, args []string) error {
	folder, registry, err := openCollection(cmd, args)
	if err != nil {
		return err
	}
	if warmAt < 0 || warmAt >= folder.Len() {
		return fmt.Errorf("position %d out of range [0, %d)", warmAt, folder.Len())
	}
	c, err := startCache(folder, registry, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.PositionChanged(warmAt); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), warmTimeout)
	defer cancel()
	s, err := waitWithProgress(ctx, c)
	if err != nil {
		return err
	}

	from, to := 0, 0
	if warmList {
		from, to = s.TargetFirst, s.TargetLast+1
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(s, folder.Items(), from, to))
	return nil
}

// waitWithProgress waits for the controller to settle, showing the images
// of the target range decoded so far.
func waitWithProgress(ctx context.Context, c *prefetch.Controller) (prefetch.Status, error) {
	bar := progressbar.NewOptions(
		-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("decoding"),
		progressbar.OptionSetItsString("img"),
		progressbar.OptionShowIts(),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
	)

	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				s := c.Status()
				if n := s.TargetLast - s.TargetFirst + 1; n > 0 {
					bar.ChangeMax(n)
				}
				_ = bar.Set(s.Cached)
			}
		}
	}()

	s, err := c.WaitSettled(ctx)
	close(done)
	_ = bar.Set(s.Cached)
	_ = bar.Finish()
	return s, err
}
