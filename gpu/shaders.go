package gpu

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pthm-cable/flowlenia/config"
	"github.com/pthm-cable/flowlenia/field"
	"github.com/pthm-cable/flowlenia/systems"
)

var (
	//go:embed shaders/affinity.comp
	affinitySource string
	//go:embed shaders/flow.comp
	flowSource string
	//go:embed shaders/advect.comp
	advectSource string
)

// stencilStride is the number of floats describing one stencil in the
// stencil buffer: source, target, radius, tap offset, tap count, mu,
// sigma, weight.
const stencilStride = 8

// glslFloat formats v as a float literal GLSL will not read as an int.
func glslFloat(v float64) string {
	return strconv.FormatFloat(v, 'e', -1, 32)
}

func glslBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// buildSource prepends the version line and defines to a shader body.
func buildSource(body string, defines map[string]string) string {
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("#version 430\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "#define %s %s\n", k, defines[k])
	}
	sb.WriteString(body)
	return sb.String()
}

// defines bakes grid size and physics constants into the shaders.
func defines(cfg *config.Config, e *systems.Engine) map[string]string {
	return map[string]string{
		"WIDTH":          strconv.Itoa(cfg.Grid.Width),
		"HEIGHT":         strconv.Itoa(cfg.Grid.Height),
		"CHANNELS":       strconv.Itoa(cfg.Grid.Channels),
		"NUM_PARAMS":     strconv.Itoa(field.NumParams),
		"NUM_STENCILS":   strconv.Itoa(len(e.Affinity.Stencils)),
		"STENCIL_STRIDE": strconv.Itoa(stencilStride),
		"LOCAL_SIZE":     strconv.Itoa(cfg.Backend.Workgroup),
		"WRAP":           glslBool(cfg.Derived.Boundary == field.Wrap),
		"EMBEDDED":       glslBool(e.Embedded()),
		"MIXING":         glslBool(e.Embedded()),
		"SOFTMAX":        glslBool(cfg.Derived.Softmax),
		"TEMPERATURE":    glslFloat(cfg.Embedding.MixingTemperature),
		"BETA":           glslFloat(cfg.Physics.Beta),
		"ALPHA_EXP":      glslFloat(cfg.Physics.N),
		"DT":             glslFloat(e.Advection.DT),
		"SPREAD":         glslFloat(e.Advection.Spread),
		"MAX_DISP":       glslFloat(e.Advection.MaxDisplacement),
		"RADIUS":         strconv.Itoa(e.Advection.Radius),
	}
}

// Passes lists the compute passes in dispatch order.
var Passes = []string{"affinity", "flow", "advect"}

// Source returns the complete GLSL of one pass as compiled for cfg, for
// feeding to an offline validator.
func Source(cfg *config.Config, e *systems.Engine, pass string) (string, error) {
	var body string
	switch pass {
	case "affinity":
		body = affinitySource
	case "flow":
		body = flowSource
	case "advect":
		body = advectSource
	default:
		return "", fmt.Errorf("gpu: unknown pass %q", pass)
	}
	return buildSource(body, defines(cfg, e)), nil
}
