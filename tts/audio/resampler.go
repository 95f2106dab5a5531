package audio

// Resampler converts mono float32 audio between sample rates with linear
// interpolation. It keeps the last input sample and the fractional read
// position between calls so consecutive chunks join without clicks.
type Resampler struct {
	inputRate  int
	outputRate int
	ratio      float64
	position   float64
	last       float32
	primed     bool
}

// NewResampler creates a resampler from inputRate to outputRate.
func NewResampler(inputRate, outputRate int) *Resampler {
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		ratio:      float64(inputRate) / float64(outputRate),
	}
}

// InputRate returns the rate the resampler expects.
func (r *Resampler) InputRate() int {
	return r.inputRate
}

// Resample returns a new slice holding input converted to the output rate.
func (r *Resampler) Resample(input []float32) []float32 {
	if len(input) == 0 {
		return nil
	}

	src := input
	if r.primed {
		src = make([]float32, 0, len(input)+1)
		src = append(src, r.last)
		src = append(src, input...)
	}

	end := float64(len(src) - 1)
	out := make([]float32, 0, int(float64(len(src))/r.ratio)+1)
	for r.position < end {
		i := int(r.position)
		frac := float32(r.position - float64(i))
		out = append(out, src[i]*(1-frac)+src[i+1]*frac)
		r.position += r.ratio
	}

	// The last input sample becomes index zero of the next call.
	r.position -= end
	r.last = src[len(src)-1]
	r.primed = true
	return out
}

// Reset forgets the carried sample and position.
func (r *Resampler) Reset() {
	r.position = 0
	r.last = 0
	r.primed = false
}
