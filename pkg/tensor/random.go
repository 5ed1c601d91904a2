package tensor

import "math/rand/v2"

// Uniform creates a tensor with elements drawn uniformly from [low, high).
func Uniform(shape []int, low, high float32, rng *rand.Rand) *Tensor {
	t := NewTensor(shape)
	span := high - low
	for i := range t.Data {
		t.Data[i] = low + span*rng.Float32()
	}
	return t
}
