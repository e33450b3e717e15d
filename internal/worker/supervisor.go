package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// WorkerIDFlag is appended to every child's arguments, numbered from 1.
const WorkerIDFlag = "--worker-id"

// Supervisor starts Count copies of Executable and waits for them. When one
// child exits with an error, or ctx is cancelled, the others are interrupted
// and given Grace to stop before they are killed.
type Supervisor struct {
	Executable string
	Args       []string
	Env        []string // added to the parent's environment
	Count      int
	Grace      time.Duration
	Log        *zap.Logger
}

// Run blocks until every child has exited.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Count < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", s.Count)
	}
	log := s.Log.Named("supervisor")

	g, ctx := errgroup.WithContext(ctx)
	for i := 1; i <= s.Count; i++ {
		cmd := s.command(ctx, i)
		if err := cmd.Start(); err != nil {
			log.Error("failed to start worker", zap.Int("worker_id", i), zap.Error(err))
			// stop the ones already running
			g.Go(func() error { return fmt.Errorf("worker %d: %w", i, err) })
			break
		}
		log.Info("worker started", zap.Int("worker_id", i), zap.Int("child_pid", cmd.Process.Pid))

		g.Go(func() error {
			err := cmd.Wait()
			if err != nil && ctx.Err() == nil {
				log.Error("worker exited", zap.Int("worker_id", i), zap.Error(err))
				return fmt.Errorf("worker %d: %w", i, err)
			}
			log.Info("worker stopped", zap.Int("worker_id", i))
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) command(ctx context.Context, id int) *exec.Cmd {
	args := append(append([]string{}, s.Args...), WorkerIDFlag, strconv.Itoa(id))
	cmd := exec.CommandContext(ctx, s.Executable, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = s.Grace
	return cmd
}
