package training

import (
	"fmt"
	"math"
	"sort"

	"github.com/tsawler/go-glyph/config"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	State() OptimizerState
	LoadState(state OptimizerState) error
}

// OptimizerState is a serializable snapshot of optimizer internals, recorded
// in checkpoints so a resumed run continues with identical update dynamics.
type OptimizerState struct {
	Type  string               `json:"type"`
	Step  int64                `json:"step"`
	LR    float64              `json:"lr"`
	Slots map[string][]float32 `json:"slots,omitempty"`
}

// OptimizerFactory builds an optimizer over a parameter set from its
// configured hyperparameters.
type OptimizerFactory func(params []*Parameter, cfg config.OptimizerConfig) (Optimizer, error)

var optimizerRegistry = map[string]OptimizerFactory{
	"sgd": func(params []*Parameter, cfg config.OptimizerConfig) (Optimizer, error) {
		return NewSGD(params, cfg.LR, cfg.Momentum, cfg.WeightDecay), nil
	},
	"adam": func(params []*Parameter, cfg config.OptimizerConfig) (Optimizer, error) {
		beta1, beta2 := cfg.Betas[0], cfg.Betas[1]
		if beta1 == 0 && beta2 == 0 {
			beta1, beta2 = 0.9, 0.999
		}
		eps := cfg.Eps
		if eps == 0 {
			eps = 1e-8
		}
		return NewAdam(params, cfg.LR, beta1, beta2, eps, cfg.WeightDecay), nil
	},
}

// NewOptimizer constructs the optimizer named in the configuration. Unknown
// names fail with a ConfigurationError at startup.
func NewOptimizer(params []*Parameter, cfg config.OptimizerConfig) (Optimizer, error) {
	factory, ok := optimizerRegistry[cfg.Name]
	if !ok {
		return nil, &config.ConfigurationError{
			Field:  "optimizer.name",
			Reason: fmt.Sprintf("unknown optimizer %q, available: %v", cfg.Name, registeredOptimizers()),
		}
	}
	return factory(params, cfg)
}

func registeredOptimizers() []string {
	names := make([]string, 0, len(optimizerRegistry))
	for name := range optimizerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SGD implements stochastic gradient descent with optional momentum and
// weight decay.
type SGD struct {
	parameters   []*Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	velocities   [][]float32
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*Parameter, lr, momentum, weightDecay float64) *SGD {
	sgd := &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
	}
	if momentum > 0 {
		sgd.velocities = make([][]float32, len(parameters))
		for i, param := range parameters {
			sgd.velocities[i] = make([]float32, len(param.Data))
		}
	}
	return sgd
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	for i, param := range sgd.parameters {
		for j := range param.Data {
			grad := float64(param.Grad[j])
			if sgd.weightDecay > 0 {
				grad += sgd.weightDecay * float64(param.Data[j])
			}
			if sgd.momentum > 0 {
				v := sgd.momentum*float64(sgd.velocities[i][j]) + grad
				sgd.velocities[i][j] = float32(v)
				grad = v
			}
			param.Data[j] -= float32(sgd.learningRate * grad)
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	for _, param := range sgd.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}

// State returns a serializable snapshot of the optimizer.
func (sgd *SGD) State() OptimizerState {
	state := OptimizerState{Type: "sgd", LR: sgd.learningRate}
	if sgd.velocities != nil {
		state.Slots = make(map[string][]float32, len(sgd.velocities))
		for i, v := range sgd.velocities {
			slot := make([]float32, len(v))
			copy(slot, v)
			state.Slots[fmt.Sprintf("velocity.%d", i)] = slot
		}
	}
	return state
}

// LoadState restores a snapshot produced by State.
func (sgd *SGD) LoadState(state OptimizerState) error {
	if state.Type != "sgd" {
		return fmt.Errorf("optimizer state type mismatch: expected sgd, got %s", state.Type)
	}
	sgd.learningRate = state.LR
	if sgd.velocities == nil {
		return nil
	}
	for i := range sgd.velocities {
		slot, ok := state.Slots[fmt.Sprintf("velocity.%d", i)]
		if !ok {
			continue
		}
		if len(slot) != len(sgd.velocities[i]) {
			return fmt.Errorf("velocity slot %d size mismatch: expected %d, got %d", i, len(sgd.velocities[i]), len(slot))
		}
		copy(sgd.velocities[i], slot)
	}
	return nil
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters  []*Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           [][]float32 // First moment estimates
	v           [][]float32 // Second moment estimates
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*Parameter, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make([][]float32, len(parameters)),
		v:           make([][]float32, len(parameters)),
	}
	for i, param := range parameters {
		adam.m[i] = make([]float32, len(param.Data))
		adam.v[i] = make([]float32, len(param.Data))
	}
	return adam
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for i, param := range adam.parameters {
		m, v := adam.m[i], adam.v[i]
		for j := range param.Data {
			grad := float64(param.Grad[j])
			if adam.weightDecay > 0 {
				grad += adam.weightDecay * float64(param.Data[j])
			}

			// m = beta1 * m + (1 - beta1) * grad
			mNew := adam.beta1*float64(m[j]) + (1.0-adam.beta1)*grad
			// v = beta2 * v + (1 - beta2) * grad^2
			vNew := adam.beta2*float64(v[j]) + (1.0-adam.beta2)*grad*grad
			m[j] = float32(mNew)
			v[j] = float32(vNew)

			mHat := mNew / bias1
			vHat := vNew / bias2
			param.Data[j] -= float32(adam.lr * mHat / (math.Sqrt(vHat) + adam.eps))
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	for _, param := range adam.parameters {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate
func (adam *Adam) GetLR() float64 {
	return adam.lr
}

// SetLR sets the learning rate
func (adam *Adam) SetLR(lr float64) {
	adam.lr = lr
}

// State returns a serializable snapshot of the optimizer.
func (adam *Adam) State() OptimizerState {
	state := OptimizerState{
		Type:  "adam",
		Step:  adam.step,
		LR:    adam.lr,
		Slots: make(map[string][]float32, 2*len(adam.parameters)),
	}
	for i := range adam.parameters {
		mSlot := make([]float32, len(adam.m[i]))
		copy(mSlot, adam.m[i])
		vSlot := make([]float32, len(adam.v[i]))
		copy(vSlot, adam.v[i])
		state.Slots[fmt.Sprintf("m.%d", i)] = mSlot
		state.Slots[fmt.Sprintf("v.%d", i)] = vSlot
	}
	return state
}

// LoadState restores a snapshot produced by State.
func (adam *Adam) LoadState(state OptimizerState) error {
	if state.Type != "adam" {
		return fmt.Errorf("optimizer state type mismatch: expected adam, got %s", state.Type)
	}
	adam.step = state.Step
	adam.lr = state.LR
	for i := range adam.parameters {
		for prefix, dst := range map[string][]float32{"m": adam.m[i], "v": adam.v[i]} {
			slot, ok := state.Slots[fmt.Sprintf("%s.%d", prefix, i)]
			if !ok {
				continue
			}
			if len(slot) != len(dst) {
				return fmt.Errorf("%s slot %d size mismatch: expected %d, got %d", prefix, i, len(dst), len(slot))
			}
			copy(dst, slot)
		}
	}
	return nil
}
