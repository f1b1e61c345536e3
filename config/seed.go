package config

import (
	"fmt"
	"math"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/flowlenia/field"
)

// Seed is the initial state of a simulation: a mass field and, when
// embedding is enabled, a parameter grid. Materializing the same Seed twice
// yields identical fields.
type Seed struct {
	Width    int   `yaml:"width"`    // 0 = take from config
	Height   int   `yaml:"height"`   // 0 = take from config
	Channels int   `yaml:"channels"` // 0 = take from config
	RNGSeed  int64 `yaml:"rng_seed"`

	Mass   [][][]float64 `yaml:"mass"` // optional dense [channel][row][col]
	Cells  []SeedCell    `yaml:"cells"`
	Blobs  []SeedBlob    `yaml:"blobs"`
	Noise  []SeedNoise   `yaml:"noise"`
	Params SeedParams    `yaml:"params"`
}

// SeedCell adds mass to a single cell.
type SeedCell struct {
	Channel int     `yaml:"channel"`
	Row     int     `yaml:"row"`
	Col     int     `yaml:"col"`
	Value   float64 `yaml:"value"`
}

// SeedBlob adds a disc of mass, optionally roughened with uniform noise:
// each cell receives value * (1 - noise + noise*u), u in [0,1).
type SeedBlob struct {
	Channel int     `yaml:"channel"`
	Row     int     `yaml:"row"`
	Col     int     `yaml:"col"`
	Radius  float64 `yaml:"radius"`
	Value   float64 `yaml:"value"`
	Noise   float64 `yaml:"noise"`
}

// SeedNoise fills a rectangle with coherent Perlin noise, the usual
// random soup for searching self-organizing patterns. Each cell receives
// amplitude * max(0, (fbm+1)/2 - threshold). Zero height or width covers
// the whole grid.
type SeedNoise struct {
	Channel   int     `yaml:"channel"`
	Row       int     `yaml:"row"`
	Col       int     `yaml:"col"`
	Height    int     `yaml:"height"`
	Width     int     `yaml:"width"`
	Scale     float64 `yaml:"scale"`   // feature size in cells
	Octaves   int     `yaml:"octaves"` // >= 1
	Amplitude float64 `yaml:"amplitude"`
	Threshold float64 `yaml:"threshold"` // in [0, 1)
}

// SeedParams describes the initial parameter grid.
type SeedParams struct {
	Default *field.CellParams `yaml:"default"`
	Regions []ParamRegion     `yaml:"regions"`
}

// ParamRegion assigns params to a rectangle of cells.
type ParamRegion struct {
	Row    int              `yaml:"row"`
	Col    int              `yaml:"col"`
	Height int              `yaml:"height"`
	Width  int              `yaml:"width"`
	Params field.CellParams `yaml:"params"`
}

// LoadSeed reads a seed from a YAML file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed from YAML. Compatibility with a config is
// checked by Validate.
func ParseSeed(data []byte) (*Seed, error) {
	s := &Seed{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, seedErrorf("parsing seed: %v", err)
	}
	return s, nil
}

// PointSeed returns a seed holding value at a single cell of channel 0.
func PointSeed(row, col int, value float64) *Seed {
	return &Seed{Cells: []SeedCell{{Row: row, Col: col, Value: value}}}
}

// Validate checks that the seed fits cfg. Every failure wraps ErrSeed.
func (s *Seed) Validate(cfg *Config) error {
	w, h, ch := cfg.Grid.Width, cfg.Grid.Height, cfg.Grid.Channels
	if (s.Width != 0 && s.Width != w) || (s.Height != 0 && s.Height != h) {
		return seedErrorf("seed is %dx%d, config grid is %dx%d", s.Width, s.Height, w, h)
	}
	if s.Channels != 0 && s.Channels != ch {
		return seedErrorf("seed has %d channels, config has %d", s.Channels, ch)
	}

	if len(s.Mass) > 0 {
		if len(s.Mass) != ch {
			return seedErrorf("mass has %d channels, want %d", len(s.Mass), ch)
		}
		for c, rows := range s.Mass {
			if len(rows) != h {
				return seedErrorf("mass[%d] has %d rows, want %d", c, len(rows), h)
			}
			for r, row := range rows {
				if len(row) != w {
					return seedErrorf("mass[%d][%d] has %d columns, want %d", c, r, len(row), w)
				}
				for col, v := range row {
					if !validMass(v) {
						return seedErrorf("mass[%d][%d][%d] = %v is not a finite non-negative value", c, r, col, v)
					}
				}
			}
		}
	}

	for i, cell := range s.Cells {
		if cell.Channel < 0 || cell.Channel >= ch || cell.Row < 0 || cell.Row >= h || cell.Col < 0 || cell.Col >= w {
			return seedErrorf("cells[%d] at (%d,%d,%d) outside %dx%dx%d", i, cell.Channel, cell.Row, cell.Col, ch, h, w)
		}
		if !validMass(cell.Value) {
			return seedErrorf("cells[%d].value = %v is not a finite non-negative value", i, cell.Value)
		}
	}

	for i, b := range s.Blobs {
		if b.Channel < 0 || b.Channel >= ch {
			return seedErrorf("blobs[%d].channel %d out of range", i, b.Channel)
		}
		if b.Radius <= 0 || !validMass(b.Value) || b.Noise < 0 || b.Noise > 1 {
			return seedErrorf("blobs[%d] needs radius > 0, value >= 0 and noise in [0,1]", i)
		}
	}

	for i, n := range s.Noise {
		if n.Channel < 0 || n.Channel >= ch {
			return seedErrorf("noise[%d].channel %d out of range", i, n.Channel)
		}
		if !finitePositive(n.Scale) || n.Octaves < 1 || !validMass(n.Amplitude) || n.Threshold < 0 || n.Threshold >= 1 {
			return seedErrorf("noise[%d] needs scale > 0, octaves >= 1, amplitude >= 0 and threshold in [0,1)", i)
		}
		if n.Height < 0 || n.Width < 0 {
			return seedErrorf("noise[%d] has negative extent %dx%d", i, n.Height, n.Width)
		}
	}

	if !cfg.Embedding.Enabled {
		return nil
	}
	if s.Params.Default != nil {
		if err := cfg.CheckParams(*s.Params.Default); err != nil {
			return fmt.Errorf("params.default: %w", err)
		}
	} else if err := cfg.CheckParams(cfg.Derived.DefaultParams); err != nil {
		return fmt.Errorf("config default params: %w", err)
	}
	for i, r := range s.Params.Regions {
		if r.Width <= 0 || r.Height <= 0 {
			return seedErrorf("params.regions[%d] has empty extent %dx%d", i, r.Width, r.Height)
		}
		if err := cfg.CheckParams(r.Params); err != nil {
			return fmt.Errorf("params.regions[%d]: %w", i, err)
		}
	}
	return nil
}

// Materialize validates the seed and builds its fields. The parameter grid
// is nil when embedding is disabled.
func (s *Seed) Materialize(cfg *Config) (*field.MassField, *field.ParameterGrid, error) {
	if err := s.Validate(cfg); err != nil {
		return nil, nil, err
	}
	w, h, ch := cfg.Grid.Width, cfg.Grid.Height, cfg.Grid.Channels

	mass := field.NewMassField(ch, w, h)
	for c, rows := range s.Mass {
		for r, row := range rows {
			copy(mass.Data[mass.Index(c, r, 0):], row)
		}
	}
	for _, cell := range s.Cells {
		mass.Data[mass.Index(cell.Channel, cell.Row, cell.Col)] += cell.Value
	}

	rng := rand.New(rand.NewSource(s.RNGSeed))
	for _, b := range s.Blobs {
		r := int(math.Ceil(b.Radius))
		for dr := -r; dr <= r; dr++ {
			for dc := -r; dc <= r; dc++ {
				if math.Hypot(float64(dr), float64(dc)) > b.Radius {
					continue
				}
				row, col := b.Row+dr, b.Col+dc
				if row < 0 || row >= h || col < 0 || col >= w {
					continue
				}
				v := b.Value
				if b.Noise > 0 {
					v *= 1 - b.Noise + b.Noise*rng.Float64()
				}
				mass.Data[mass.Index(b.Channel, row, col)] += v
			}
		}
	}

	for _, n := range s.Noise {
		noise := newPerlin(rng)
		rows, cols := n.Height, n.Width
		if rows == 0 || cols == 0 {
			rows, cols = h, w
		}
		for row := max(n.Row, 0); row < min(n.Row+rows, h); row++ {
			for col := max(n.Col, 0); col < min(n.Col+cols, w); col++ {
				v := noise.fbm(float64(col)/n.Scale, float64(row)/n.Scale, float64(n.Channel)+0.5, n.Octaves)
				v = (v+1)/2 - n.Threshold
				if v > 0 {
					mass.Data[mass.Index(n.Channel, row, col)] += n.Amplitude * v
				}
			}
		}
	}

	if !cfg.Embedding.Enabled {
		return mass, nil, nil
	}

	base := cfg.Derived.DefaultParams
	if s.Params.Default != nil {
		base = *s.Params.Default
	}
	params := field.NewParameterGrid(w, h, base)
	for _, reg := range s.Params.Regions {
		for row := max(reg.Row, 0); row < min(reg.Row+reg.Height, h); row++ {
			for col := max(reg.Col, 0); col < min(reg.Col+reg.Width, w); col++ {
				params.Set(row*w+col, reg.Params)
			}
		}
	}
	return mass, params, nil
}

func validMass(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
