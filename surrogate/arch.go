package surrogate

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
)

// Architecture enumerates the network families the trainer can build.
type Architecture int

const (
	// MLP is a plain multilayer perceptron applied row by row.
	MLP Architecture = iota
	// ResNetMLP stacks residual blocks of two dense layers.
	ResNetMLP
	// RNN is an Elman recurrent net run over each block's time-ordered rows.
	RNN
)

func (a Architecture) String() string {
	switch a {
	case MLP:
		return "mlp"
	case ResNetMLP:
		return "resnet_mlp"
	case RNN:
		return "rnn"
	}
	return fmt.Sprintf("Architecture(%d)", int(a))
}

// Recurrent reports whether the network consumes whole blocks at once.
func (a Architecture) Recurrent() bool { return a == RNN }

// residual depth name -> number of residual blocks
var resnetBlocks = map[int]int{18: 8, 34: 16, 50: 24}

var resnetName = regexp.MustCompile(`^resnet(\d+)_mlp$`)

// ParseArchitecture resolves a network name such as "mlp", "resnet34_mlp" or
// "rnn". For residual nets it also returns the number of residual blocks the
// name encodes.
func ParseArchitecture(name string) (Architecture, int, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if m := resnetName.FindStringSubmatch(n); m != nil {
		depth, _ := strconv.Atoi(m[1])
		blocks, ok := resnetBlocks[depth]
		if !ok {
			return 0, 0, fmt.Errorf("unsupported residual depth %d in %q (want 18, 34 or 50)", depth, name)
		}
		return ResNetMLP, blocks, nil
	}
	switch {
	case n == "mlp" || strings.HasSuffix(n, "_mlp"):
		return MLP, 0, nil
	case n == "rnn" || strings.HasSuffix(n, "_rnn"):
		return RNN, 0, nil
	}
	return 0, 0, fmt.Errorf("unknown network architecture %q", name)
}

// builder constructs the network for an architecture.
type builder func(o Options, depth int, rng *rand.Rand) network

var builders = map[Architecture]builder{
	MLP:       buildMLP,
	ResNetMLP: buildResNetMLP,
	RNN:       buildRNN,
}

// hiddenWidth is the hidden layer size derived from the input dimension.
func hiddenWidth(o Options) int {
	return max(1, int(o.SizeRatio*float64(o.NumInput)))
}

func buildMLP(o Options, _ int, rng *rand.Rand) network {
	h := hiddenWidth(o)
	var layers stack
	in := o.NumInput
	for i := 0; i <= o.NumLayers; i++ {
		name := fmt.Sprintf("layers.%d", i)
		layers = append(layers, newDense(name+".linear", in, h, rng))
		if o.BatchNorm {
			layers = append(layers, newBatchNorm(name+".bn", h))
		}
		layers = append(layers, &relu{})
		if o.Dropout > 0 {
			layers = append(layers, &dropout{p: o.Dropout, rng: rng})
		}
		in = h
	}
	layers = append(layers, newDense("output", in, o.NumResponse, rng))
	return &feedForward{layers: layers}
}

// Batch normalization is not used inside residual blocks.
func buildResNetMLP(o Options, depth int, rng *rand.Rand) network {
	h := hiddenWidth(o)
	layers := stack{newDense("input", o.NumInput, h, rng), &relu{}}
	for i := 0; i < depth; i++ {
		name := fmt.Sprintf("blocks.%d", i)
		body := stack{newDense(name+".linear1", h, h, rng), &relu{}}
		if o.Dropout > 0 {
			body = append(body, &dropout{p: o.Dropout, rng: rng})
		}
		body = append(body, newDense(name+".linear2", h, h, rng))
		layers = append(layers, &residual{body: body})
	}
	layers = append(layers, newDense("output", h, o.NumResponse, rng))
	return &feedForward{layers: layers}
}

func buildRNN(o Options, _ int, rng *rand.Rand) network {
	return newElman(o.NumInput, hiddenWidth(o), o.NumResponse, rng)
}
