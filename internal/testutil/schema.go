package testutil

import (
	"testing"

	"github.com/g960059/cwe/internal/schema"
)

// PipeFlowYAML is a three stage analysis type used across tests.
const PipeFlowYAML = `
name: Pipe Flow
stages:
  - key: mesh
    label: Meshing
    groups: [geometry, refinement]
  - key: solve
    label: Solver
    groups: [physics]
  - key: post
    label: Post-processing
    groups: [output]
groups:
  - key: geometry
    label: Geometry
    vars: [diameter, length, stlFile]
  - key: refinement
    label: Refinement
    vars: [cells]
  - key: physics
    label: Physics
    vars: [solver, nu, turbulence]
  - key: output
    label: Output
    vars: [writeVtk]
vars:
  - name: diameter
    type: std
    label: Diameter [m]
    default: "0.1"
  - name: length
    type: std
    label: Length [m]
    default: "2"
  - name: stlFile
    type: file
    label: Geometry file
  - name: cells
    type: std
    label: Cells per diameter
    default: "20"
  - name: solver
    type: choose
    label: Solver
    choices: [simpleFoam, pimpleFoam]
  - name: nu
    type: std
    label: Viscosity
    default: "1e-06"
  - name: turbulence
    type: bool
    label: Turbulence
    default: "true"
  - name: writeVtk
    type: bool
    label: Write VTK
`

// PipeFlow returns the parsed PipeFlowYAML type.
func PipeFlow(t *testing.T) *schema.AnalysisType {
	t.Helper()
	typ, err := schema.Load([]byte(PipeFlowYAML))
	if err != nil {
		t.Fatalf("load pipe flow type: %v", err)
	}
	return typ
}

// Registry returns a registry holding PipeFlow under id "pipe".
func Registry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	reg.Add("pipe", PipeFlow(t))
	return reg
}
