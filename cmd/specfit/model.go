package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/banshee-data/specfit/internal/param"
	"github.com/banshee-data/specfit/internal/spectral"
)

// datasetFile is the on-disk description of one fit problem: an observed
// spectrum and a linear additive model, one normalization parameter per
// component.
type datasetFile struct {
	Spectrum struct {
		Name      string    `json:"name"`
		Counts    []float64 `json:"counts"`
		Variance  []float64 `json:"variance,omitempty"`
		Poisson   bool      `json:"poisson"`
		Exposure  float64   `json:"exposure"`
		AreaScale float64   `json:"area_scale,omitempty"`

		Background *struct {
			Counts   []float64 `json:"counts"`
			Variance []float64 `json:"variance,omitempty"`
			Poisson  bool      `json:"poisson"`
			Exposure float64   `json:"exposure"`
			Scale    float64   `json:"scale"`
		} `json:"background,omitempty"`

		Noticed []int `json:"noticed,omitempty"`
	} `json:"spectrum"`

	Components []struct {
		Name   string    `json:"name"`
		Shape  []float64 `json:"shape"`
		Norm   float64   `json:"norm"`
		Frozen bool      `json:"frozen,omitempty"`
	} `json:"components"`
}

// linearModel folds a sum of fixed component shapes scaled by their norm
// parameters. It is the model source the CLI fits; response convolution
// is assumed to be baked into the shapes.
type linearModel struct {
	values func(int) (float64, error)
	parIdx []int
	shapes [][]float64
	folded []float64
}

func newLinearModel(values func(int) (float64, error), parIdx []int, shapes [][]float64, channels int) *linearModel {
	return &linearModel{
		values: values,
		parIdx: parIdx,
		shapes: shapes,
		folded: make([]float64, channels),
	}
}

func (m *linearModel) Recalculate() error {
	for i := range m.folded {
		m.folded[i] = 0
	}
	for k, pi := range m.parIdx {
		v, err := m.values(pi)
		if err != nil {
			return err
		}
		for i, s := range m.shapes[k] {
			m.folded[i] += v * s
		}
	}
	return nil
}

func (m *linearModel) Folded(int) []float64 { return m.folded }

func (m *linearModel) Fork(values func(int) (float64, error)) (spectral.ModelSource, error) {
	return newLinearModel(values, m.parIdx, m.shapes, len(m.folded)), nil
}

// loadDataset reads a dataset file and assembles the spectrum, parameter
// graph and model source.
func loadDataset(path string) (*spectral.Spectrum, *param.Graph, *linearModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read dataset: %w", err)
	}
	var df datasetFile
	if err := json.Unmarshal(data, &df); err != nil {
		return nil, nil, nil, fmt.Errorf("parse dataset: %w", err)
	}
	if len(df.Components) == 0 {
		return nil, nil, nil, fmt.Errorf("dataset has no model components")
	}

	sp := &spectral.Spectrum{
		Name:      df.Spectrum.Name,
		Counts:    df.Spectrum.Counts,
		Variance:  df.Spectrum.Variance,
		Poisson:   df.Spectrum.Poisson,
		Exposure:  df.Spectrum.Exposure,
		AreaScale: df.Spectrum.AreaScale,
		Noticed:   df.Spectrum.Noticed,
	}
	if b := df.Spectrum.Background; b != nil {
		sp.Background = &spectral.BackSpectrum{
			Counts:   b.Counts,
			Variance: b.Variance,
			Poisson:  b.Poisson,
			Exposure: b.Exposure,
			Scale:    b.Scale,
		}
	}
	if len(sp.Noticed) == 0 {
		sp.Noticed = make([]int, len(sp.Counts))
		for i := range sp.Noticed {
			sp.Noticed[i] = i
		}
	}
	if err := sp.Validate(); err != nil {
		return nil, nil, nil, err
	}

	g := param.NewGraph()
	var parIdx []int
	var shapes [][]float64
	for _, c := range df.Components {
		if len(c.Shape) != len(sp.Noticed) {
			return nil, nil, nil, fmt.Errorf("component %q: shape length %d != noticed channels %d",
				c.Name, len(c.Shape), len(sp.Noticed))
		}
		p, err := g.Add("norm", c.Name, c.Norm, 0, param.Bounds{})
		if err != nil {
			return nil, nil, nil, err
		}
		if c.Frozen {
			if err := g.Freeze(p.Index()); err != nil {
				return nil, nil, nil, err
			}
		}
		parIdx = append(parIdx, p.Index())
		shapes = append(shapes, c.Shape)
	}

	model := newLinearModel(g.Value, parIdx, shapes, len(sp.Noticed))
	return sp, g, model, nil
}
