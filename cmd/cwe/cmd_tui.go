package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/cwe/internal/config"
	"github.com/g960059/cwe/internal/dispatch"
	"github.com/g960059/cwe/internal/reconcile"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/session"
	"github.com/g960059/cwe/internal/transport"
	"github.com/g960059/cwe/internal/tui"
)

var tuiFlags struct {
	typeID  string
	caseDir string
	name    string
	simJob  time.Duration
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open a case in the terminal UI",
	RunE:  runTUI,
}

func init() {
	f := tuiCmd.Flags()
	f.StringVar(&tuiFlags.typeID, "type", "pipe", "Analysis type ID")
	f.StringVar(&tuiFlags.caseDir, "case", "", "Case directory on the backend (default <case_root>/<type>)")
	f.StringVar(&tuiFlags.name, "name", "", "Case name shown until the backend reports one")
	f.DurationVar(&tuiFlags.simJob, "sim-job-time", 10*time.Second, "How long simulated jobs run (remote kind sim)")
}

func runTUI(cmd *cobra.Command, _ []string) error {
	reg, err := loadTypes()
	if err != nil {
		return err
	}
	typ, ok := reg.Get(tuiFlags.typeID)
	if !ok {
		return fmt.Errorf("unknown analysis type %q", tuiFlags.typeID)
	}
	caseDir := tuiFlags.caseDir
	if caseDir == "" {
		caseDir = cfg.CaseRoot + "/" + tuiFlags.typeID
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	var (
		tr  remote.Transport
		sim *transport.Sim
	)
	switch cfg.Remote.Kind {
	case config.RemoteSim:
		sim = transport.NewSim(cfg.StatusFile)
		sim.Auto = true
		sim.AddCase(caseDir, tuiFlags.name, tuiFlags.typeID, typ.StageKeys())
		tr = sim
	default:
		exec := transport.NewExec(cfg)
		defer exec.Wait()
		tr = exec
	}

	d := dispatch.New()
	coord := remote.NewCoordinator(tr, d).WithJournal(store)
	presenter := &tui.Presenter{}
	sess := session.New(coord, presenter, reg, session.WithArchive(store))
	rec := reconcile.NewReconciler(coord, sess, cfg)
	sess.SetWatcher(rec)
	sess.Register(d)

	g.Go(func() error { return quiet(d.Run(ctx)) })
	g.Go(func() error { return quiet(rec.Run(ctx, d)) })
	if sim != nil {
		g.Go(func() error { return quiet(finishSimJobs(ctx, sim, tuiFlags.simJob)) })
	}
	g.Go(func() error {
		defer cancel()
		send := func(in session.Intent) { session.Send(d, in) }
		return quiet(tui.Run(ctx, presenter, send))
	})

	session.Send(d, session.Intent{Action: session.ActionOpen, Open: session.OpenRequest{
		Name:     tuiFlags.name,
		Location: caseDir,
		TypeID:   tuiFlags.typeID,
	}})
	err = g.Wait()
	if sim != nil {
		if werr := sim.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// finishSimJobs lets every simulated job run for jobTime, then finishes
// it successfully.
func finishSimJobs(ctx context.Context, sim *transport.Sim, jobTime time.Duration) error {
	started := map[string]time.Time{}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			running := map[string]bool{}
			for _, ref := range sim.RunningJobs() {
				running[ref] = true
				at, ok := started[ref]
				if !ok {
					started[ref] = now
					continue
				}
				if now.Sub(at) < jobTime {
					continue
				}
				if err := sim.FinishJob(ref, true); err != nil {
					slog.Debug("finish simulated job", slog.String("job", ref), slog.Any("err", err))
				}
			}
			for ref := range started {
				if !running[ref] {
					delete(started, ref)
				}
			}
		}
	}
}

// quiet treats shutdown through context cancellation as success.
func quiet(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}
