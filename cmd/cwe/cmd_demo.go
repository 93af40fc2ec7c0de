package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/g960059/cwe/internal/dispatch"
	"github.com/g960059/cwe/internal/format"
	"github.com/g960059/cwe/internal/reconcile"
	"github.com/g960059/cwe/internal/remote"
	"github.com/g960059/cwe/internal/session"
	"github.com/g960059/cwe/internal/transport"
)

var demoFlags struct {
	typeID  string
	caseDir string
	archive bool
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk a case through its lifecycle against the built-in simulator",
	RunE:  runDemo,
}

func init() {
	f := demoCmd.Flags()
	f.StringVar(&demoFlags.typeID, "type", "pipe", "Analysis type ID")
	f.StringVar(&demoFlags.caseDir, "case", "/sim/cases/demo", "Case directory on the simulated backend")
	f.BoolVar(&demoFlags.archive, "archive", false, "Record the case and its operations in the database")
}

// demoPresenter prints notices as they arrive; snapshots are printed
// once per step.
type demoPresenter struct {
	out io.Writer
}

func (p demoPresenter) Present(session.CaseSnapshot) {}

func (p demoPresenter) Notify(n session.Notice) {
	retry := ""
	if n.Retryable {
		retry = " (retryable)"
	}
	fmt.Fprintf(p.out, "  ! %s %s: %s%s\n", n.Level, n.Code, n.Message, retry)
}

type demoMesh struct {
	out io.Writer
}

func (m demoMesh) LoadMesh(mesh remote.MeshBuffers) error {
	fmt.Fprintf(m.out, "  mesh received: points=%dB faces=%dB owner=%dB\n", len(mesh.Points), len(mesh.Faces), len(mesh.Owner))
	return nil
}

type demoStep struct {
	title string
	do    func(ctx context.Context) error
}

func runDemo(cmd *cobra.Command, _ []string) error {
	mode, err := outputMode()
	if err != nil {
		return err
	}
	reg, err := loadTypes()
	if err != nil {
		return err
	}
	typ, ok := reg.Get(demoFlags.typeID)
	if !ok {
		return fmt.Errorf("unknown analysis type %q", demoFlags.typeID)
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	stages := typ.StageKeys()
	caseDir := demoFlags.caseDir

	sim := transport.NewSim(cfg.StatusFile)
	sim.AddCase(caseDir, "demo", demoFlags.typeID, stages)
	for _, st := range stages {
		sim.PutFile(session.ResultsPath(caseDir, st), []byte(fmt.Sprintf("%s: completed without errors\n", st)))
	}
	sim.SetMeshFiles(caseDir, map[string][]byte{
		remote.MeshPoints: []byte("(0 0 0) (1 0 0) (1 1 0) (0 1 0)"),
		remote.MeshFaces:  []byte("4(0 1 2 3)"),
		remote.MeshOwner:  []byte("(0)"),
	})

	d := dispatch.New()
	coord := remote.NewCoordinator(sim, d)
	var opts []session.Option
	if demoFlags.archive {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close() //nolint:errcheck
		coord.WithJournal(store)
		opts = append(opts, session.WithArchive(store))
	}
	sess := session.New(coord, demoPresenter{out: out}, reg, opts...)
	rec := reconcile.NewReconciler(coord, sess, cfg)
	sess.SetWatcher(rec)
	sess.Register(d)

	settle := func(ctx context.Context) error {
		for len(sim.Pending()) > 0 || d.Len() > 0 {
			if err := sim.DeliverAll(); err != nil {
				return err
			}
			d.Drain(ctx)
		}
		return nil
	}
	refresh := func(ctx context.Context) error {
		rec.Tick(ctx)
		return settle(ctx)
	}
	intent := func(in session.Intent) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			session.Send(d, in)
			d.Drain(ctx)
			return settle(ctx)
		}
	}
	finish := func(stage string, ok bool) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			doc, _ := sim.Document(caseDir)
			if err := sim.FinishJob(doc.Stages[stage].Job, ok); err != nil {
				return err
			}
			return refresh(ctx)
		}
	}

	first := stages[0]
	steps := []demoStep{
		{"open case", intent(session.Intent{Action: session.ActionOpen, Open: session.OpenRequest{Location: caseDir, TypeID: demoFlags.typeID}})},
		{"first refresh", refresh},
		{"run " + first, intent(session.Intent{Action: session.ActionRun, Stage: first})},
		{first + " finished on the backend", finish(first, true)},
		{"show " + first + " results", intent(session.Intent{Action: session.ActionResults, Stage: first})},
		{"load mesh", intent(session.Intent{Action: session.ActionLoadMesh, Mesh: demoMesh{out: out}})},
		{"run " + first + " again (rejected)", intent(session.Intent{Action: session.ActionRun, Stage: first})},
	}
	if len(stages) > 1 {
		second := stages[1]
		steps = append(steps,
			demoStep{"select " + second, intent(session.Intent{Action: session.ActionSelectStage, Stage: second})},
			demoStep{"run " + second, intent(session.Intent{Action: session.ActionRun, Stage: second})},
			demoStep{"cancel " + second, intent(session.Intent{Action: session.ActionCancel})},
			demoStep{"backend stopped " + second, refresh},
		)
	}
	steps = append(steps,
		demoStep{"reset " + first, intent(session.Intent{Action: session.ActionRollback, Stage: first})},
		demoStep{"close case", intent(session.Intent{Action: session.ActionClose})},
	)

	for i, step := range steps {
		fmt.Fprintf(out, "== %d. %s\n", i+1, step.title)
		if err := step.do(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.title, err)
		}
		snap := sess.Snapshot()
		fmt.Fprint(out, format.Snapshot(mode, snap))
		if snap.Results != nil {
			fmt.Fprintf(out, "results of %s:\n%s", snap.Results.Stage, snap.Results.Content)
		}
	}
	return nil
}
