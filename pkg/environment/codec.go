package environment

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
)

// codec is the wire format of one protocol variant.
type codec interface {
	encodeReset() string
	encodeStep(action []float64) string
	decode(msg string, obsDim int) (core.StepResult, error)
}

// formatAction renders each component with two decimals, comma-joined.
func formatAction(action []float64) string {
	parts := make([]string, len(action))
	for i, a := range action {
		parts[i] = strconv.FormatFloat(a, 'f', 2, 64)
	}
	return strings.Join(parts, ",")
}

func parseFloats(s string) ([]float32, error) {
	items := strings.Split(s, ",")
	out := make([]float32, 0, len(items))
	for _, item := range items {
		v, err := strconv.ParseFloat(strings.TrimSpace(item), 32)
		if err != nil {
			return nil, err
		}
		out = append(out, float32(v))
	}
	return out, nil
}

// flatCodec speaks the RLBASE protocol:
//
//	request:  RESET | a0,a1,...
//	response: o0,o1,...[;o2,o3...];reward;done
type flatCodec struct{}

func (flatCodec) encodeReset() string {
	return "RESET"
}

func (flatCodec) encodeStep(action []float64) string {
	if len(action) == 0 {
		return "0.0"
	}
	return formatAction(action)
}

// decode flattens every ';' segment into one value list; the last two values
// are reward and done, the rest is the observation.
func (flatCodec) decode(msg string, _ int) (core.StepResult, error) {
	var values []float64
	for _, part := range strings.Split(msg, ";") {
		part = strings.TrimSpace(part)
		if strings.Contains(part, ",") {
			for _, item := range strings.Split(part, ",") {
				item = strings.TrimSpace(item)
				if item == "" {
					continue
				}
				v, err := strconv.ParseFloat(item, 64)
				if err != nil {
					return core.StepResult{}, err
				}
				values = append(values, v)
			}
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return core.StepResult{}, err
		}
		values = append(values, v)
	}

	if len(values) < 3 {
		return core.StepResult{}, fmt.Errorf("not enough data in state string: %d values", len(values))
	}

	n := len(values)
	done := values[n-1]
	if math.IsNaN(done) || math.IsInf(done, 0) || done < math.MinInt64 || done >= math.MaxInt64 {
		return core.StepResult{}, fmt.Errorf("done flag %v is not an integer", done)
	}

	obs := make([]float32, n-2)
	for i, v := range values[:n-2] {
		obs[i] = float32(v)
	}
	return core.StepResult{
		Observation: obs,
		Reward:      values[n-2],
		Done:        int64(done) != 0,
		Info:        core.Info{},
	}, nil
}

// keyedCodec speaks the SINGLE protocol, and MULTI when tagged is set:
//
//	request:  ACT=RESET[;ENV=<id>] | ACT=a0,a1,...[;ENV=<id>]
//	response: OBS=o0,o1,...;REW=<r>;DONE=<0|1>[;ENV=<id>]
type keyedCodec struct {
	tagged bool
	envID  int
}

func (c keyedCodec) encodeReset() string {
	return c.tag("ACT=RESET")
}

func (c keyedCodec) encodeStep(action []float64) string {
	return c.tag("ACT=" + formatAction(action))
}

func (c keyedCodec) tag(msg string) string {
	if !c.tagged {
		return msg
	}
	return msg + ";ENV=" + strconv.Itoa(c.envID)
}

// decode applies key defaults: a missing OBS yields a zero observation,
// a missing REW yields 0 and a missing DONE yields true.
func (c keyedCodec) decode(msg string, obsDim int) (core.StepResult, error) {
	kv := make(map[string]string)
	for _, part := range strings.Split(msg, ";") {
		part = strings.TrimSpace(part)
		if key, value, ok := strings.Cut(part, "="); ok {
			kv[key] = value
		}
	}

	obs := make([]float32, obsDim)
	if s, ok := kv["OBS"]; ok && s != "" {
		parsed, err := parseFloats(s)
		if err != nil {
			return core.StepResult{}, fmt.Errorf("OBS: %w", err)
		}
		obs = parsed
	}

	rew := "0"
	if s, ok := kv["REW"]; ok {
		rew = s
	}
	reward, err := strconv.ParseFloat(strings.TrimSpace(rew), 64)
	if err != nil {
		return core.StepResult{}, fmt.Errorf("REW: %w", err)
	}

	doneStr := "1"
	if s, ok := kv["DONE"]; ok {
		doneStr = s
	}
	done, err := strconv.Atoi(strings.TrimSpace(doneStr))
	if err != nil {
		return core.StepResult{}, fmt.Errorf("DONE: %w", err)
	}

	info := core.Info{}
	if c.tagged {
		if s, ok := kv["ENV"]; ok {
			id, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				return core.StepResult{}, fmt.Errorf("ENV: %w", err)
			}
			info[InfoEnvID] = id
		}
	}

	return core.StepResult{
		Observation: obs,
		Reward:      reward,
		Done:        done != 0,
		Info:        info,
	}, nil
}
