package encoder

import (
	"fmt"
	"math"
	"strings"

	"github.com/soundprediction/lostpaw/pkg/config"
)

// OptimizerConfig selects and tunes an optimiser.
type OptimizerConfig = config.OptimizerConfig

// OptimizerState is the serialisable part of an optimiser.
type OptimizerState struct {
	Name    string               `json:"name"`
	Step    int                  `json:"step"`
	Buffers map[string][]float32 `json:"buffers,omitempty"`
}

// Optimizer updates parameters in place from their gradients.
type Optimizer interface {
	Name() string
	Step(params, grads []float32) error
	State() OptimizerState
	Restore(OptimizerState) error
}

// NewOptimizer builds the optimiser named in cfg: "sgd", "adam" or "adamw".
func NewOptimizer(cfg OptimizerConfig) (Optimizer, error) {
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}
	switch strings.ToLower(cfg.Name) {
	case "", "sgd":
		if cfg.Nesterov && (cfg.Momentum <= 0 || cfg.Dampening != 0) {
			return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
		}
		return &SGD{cfg: cfg}, nil
	case "adam", "adamw":
		if cfg.Beta1 == 0 {
			cfg.Beta1 = 0.9
		}
		if cfg.Beta2 == 0 {
			cfg.Beta2 = 0.999
		}
		if cfg.Epsilon == 0 {
			cfg.Epsilon = 1e-8
		}
		return &Adam{cfg: cfg, decoupled: strings.EqualFold(cfg.Name, "adamw")}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Name)
	}
}

func checkLengths(params, grads []float32) error {
	if len(params) != len(grads) {
		return fmt.Errorf("%w: %d parameters, %d gradients", ErrDimensionMismatch, len(params), len(grads))
	}
	return nil
}

// SGD is stochastic gradient descent with optional momentum, dampening,
// Nesterov momentum and L2 weight decay.
type SGD struct {
	cfg      OptimizerConfig
	step     int
	momentum []float32
}

// Name implements Optimizer.
func (o *SGD) Name() string { return "sgd" }

// Step implements Optimizer.
func (o *SGD) Step(params, grads []float32) error {
	if err := checkLengths(params, grads); err != nil {
		return err
	}
	lr := float32(o.cfg.LearningRate)
	wd := float32(o.cfg.WeightDecay)
	mu := float32(o.cfg.Momentum)
	damp := float32(o.cfg.Dampening)

	if mu != 0 && o.momentum == nil {
		o.momentum = make([]float32, len(params))
	}
	for i := range params {
		g := grads[i]
		if wd != 0 {
			g += wd * params[i]
		}
		if mu != 0 {
			if o.step == 0 {
				o.momentum[i] = g
			} else {
				o.momentum[i] = mu*o.momentum[i] + (1-damp)*g
			}
			if o.cfg.Nesterov {
				g += mu * o.momentum[i]
			} else {
				g = o.momentum[i]
			}
		}
		params[i] -= lr * g
	}
	o.step++
	return nil
}

// State implements Optimizer.
func (o *SGD) State() OptimizerState {
	st := OptimizerState{Name: o.Name(), Step: o.step}
	if o.momentum != nil {
		st.Buffers = map[string][]float32{"momentum": append([]float32(nil), o.momentum...)}
	}
	return st
}

// Restore implements Optimizer.
func (o *SGD) Restore(st OptimizerState) error {
	if st.Name != o.Name() {
		return fmt.Errorf("cannot restore %s state into %s optimizer", st.Name, o.Name())
	}
	o.step = st.Step
	o.momentum = append([]float32(nil), st.Buffers["momentum"]...)
	if len(o.momentum) == 0 {
		o.momentum = nil
	}
	return nil
}

// Adam implements Adam and, when decoupled, AdamW.
type Adam struct {
	cfg       OptimizerConfig
	decoupled bool
	step      int
	m, v      []float32
}

// Name implements Optimizer.
func (o *Adam) Name() string {
	if o.decoupled {
		return "adamw"
	}
	return "adam"
}

// Step implements Optimizer.
func (o *Adam) Step(params, grads []float32) error {
	if err := checkLengths(params, grads); err != nil {
		return err
	}
	if o.m == nil {
		o.m = make([]float32, len(params))
		o.v = make([]float32, len(params))
	}
	if len(o.m) != len(params) {
		return fmt.Errorf("%w: optimizer state has %d entries, parameters %d", ErrDimensionMismatch, len(o.m), len(params))
	}
	o.step++

	lr := o.cfg.LearningRate
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	c1 := 1 - math.Pow(b1, float64(o.step))
	c2 := 1 - math.Pow(b2, float64(o.step))
	wd := o.cfg.WeightDecay

	for i := range params {
		g := float64(grads[i])
		p := float64(params[i])
		if wd != 0 {
			if o.decoupled {
				p -= lr * wd * p
			} else {
				g += wd * p
			}
		}
		m := b1*float64(o.m[i]) + (1-b1)*g
		v := b2*float64(o.v[i]) + (1-b2)*g*g
		o.m[i], o.v[i] = float32(m), float32(v)
		p -= lr * (m / c1) / (math.Sqrt(v/c2) + o.cfg.Epsilon)
		params[i] = float32(p)
	}
	return nil
}

// State implements Optimizer.
func (o *Adam) State() OptimizerState {
	st := OptimizerState{Name: o.Name(), Step: o.step}
	if o.m != nil {
		st.Buffers = map[string][]float32{
			"m": append([]float32(nil), o.m...),
			"v": append([]float32(nil), o.v...),
		}
	}
	return st
}

// Restore implements Optimizer.
func (o *Adam) Restore(st OptimizerState) error {
	if st.Name != o.Name() {
		return fmt.Errorf("cannot restore %s state into %s optimizer", st.Name, o.Name())
	}
	m, v := st.Buffers["m"], st.Buffers["v"]
	if len(m) != len(v) {
		return fmt.Errorf("%w: adam moments have lengths %d and %d", ErrDimensionMismatch, len(m), len(v))
	}
	o.step = st.Step
	o.m, o.v = nil, nil
	if len(m) > 0 {
		o.m = append([]float32(nil), m...)
		o.v = append([]float32(nil), v...)
	}
	return nil
}
