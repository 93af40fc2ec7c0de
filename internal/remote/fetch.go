package remote

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"github.com/g960059/cwe/internal/model"
)

// Part is one file of a multi-part fetch. Name is the logical name the
// decoded buffer is stored under.
type Part struct {
	Name string
	Path string
}

// FetchGroup downloads several files and reports them together. The
// callback runs exactly once: with every decoded buffer when all parts
// arrived, or with the first error. A failed or undecodable part aborts
// the group and every other buffer is dropped.
type FetchGroup struct {
	c       *Coordinator
	decoder Decoder
	want    map[string]bool
	buffers map[string][]byte
	handles []Handle
	done    bool
	onDone  func(ctx context.Context, buffers map[string][]byte, err error)
}

// Fetch issues one download per part. It must be called on the single
// writer.
func (c *Coordinator) Fetch(ctx context.Context, caseID string, parts []Part, decoder Decoder, onDone func(ctx context.Context, buffers map[string][]byte, err error)) *FetchGroup {
	if decoder == nil {
		decoder = GzipDecoder{}
	}
	g := &FetchGroup{
		c:       c,
		decoder: decoder,
		want:    make(map[string]bool, len(parts)),
		buffers: make(map[string][]byte, len(parts)),
		onDone:  onDone,
	}
	for _, p := range parts {
		g.want[p.Name] = true
	}
	for _, p := range parts {
		part := p
		h := c.Issue(ctx, Op{
			Kind:   model.OpDownloadFile,
			CaseID: caseID,
			Path:   part.Path,
			OnComplete: func(ctx context.Context, comp Completion) {
				g.partDone(ctx, part, comp)
			},
		})
		g.handles = append(g.handles, h)
	}
	return g
}

func (g *FetchGroup) partDone(ctx context.Context, part Part, comp Completion) {
	if g.done {
		return
	}
	switch comp.State {
	case model.OpCompleted:
	case model.OpCancelled:
		g.abort(ctx, fmt.Errorf("fetch %s cancelled", part.Name))
		return
	default:
		g.abort(ctx, comp.Err)
		return
	}
	format, _ := FormatOf(path.Base(part.Path))
	data, err := g.decoder.Decode(comp.Result.Payload, format)
	if err != nil {
		g.abort(ctx, &DecodeError{Part: part.Name, Err: err})
		return
	}
	g.buffers[part.Name] = data
	if len(g.buffers) < len(g.want) {
		return
	}
	g.done = true
	out := g.buffers
	g.buffers = nil
	if g.onDone != nil {
		g.onDone(ctx, out, nil)
	}
}

func (g *FetchGroup) abort(ctx context.Context, err error) {
	g.done = true
	g.buffers = nil
	for _, h := range g.handles {
		if st, ok := g.c.State(h); ok && !st.Terminal() {
			if err := g.c.Cancel(ctx, h); err != nil {
				g.c.log.Debug("cancel fetch part", slog.String("op", h.ID), slog.Any("err", err))
			}
		}
	}
	if g.onDone != nil {
		g.onDone(ctx, nil, err)
	}
}

// Mesh part names of an OpenFOAM polyMesh.
const (
	MeshPoints = "points"
	MeshFaces  = "faces"
	MeshOwner  = "owner"
)

// MeshBuffers are the decoded polyMesh files handed to a viewer.
type MeshBuffers struct {
	Points []byte
	Faces  []byte
	Owner  []byte
}

// MeshConsumer receives a complete mesh.
type MeshConsumer interface {
	LoadMesh(mesh MeshBuffers) error
}

// ResolveMeshFiles picks the points, faces and owner files in a polyMesh
// directory listing, falling back to the gzip variants. A nil listing
// assumes the plain names exist.
func ResolveMeshFiles(dir string, listing []string) ([]Part, error) {
	have := make(map[string]bool, len(listing))
	for _, name := range listing {
		have[name] = true
	}
	parts := make([]Part, 0, 3)
	var missing []string
	for _, name := range []string{MeshPoints, MeshFaces, MeshOwner} {
		switch {
		case listing == nil || have[name]:
			parts = append(parts, Part{Name: name, Path: path.Join(dir, name)})
		case have[name+gzipSuffix]:
			parts = append(parts, Part{Name: name, Path: path.Join(dir, name+gzipSuffix)})
		default:
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w in %s: %v", ErrMeshIncomplete, dir, missing)
	}
	return parts, nil
}

// PolyMeshDir is where a case keeps its mesh.
func PolyMeshDir(caseDir string) string {
	return path.Join(caseDir, "constant", "polyMesh")
}

// LoadMesh fetches the three mesh files and hands them to consumer once
// all of them decoded. done always runs exactly once.
func (c *Coordinator) LoadMesh(ctx context.Context, caseID string, parts []Part, decoder Decoder, consumer MeshConsumer, done func(ctx context.Context, err error)) *FetchGroup {
	return c.Fetch(ctx, caseID, parts, decoder, func(ctx context.Context, buffers map[string][]byte, err error) {
		if err == nil {
			err = consumer.LoadMesh(MeshBuffers{
				Points: buffers[MeshPoints],
				Faces:  buffers[MeshFaces],
				Owner:  buffers[MeshOwner],
			})
		}
		if done != nil {
			done(ctx, err)
		}
	})
}
