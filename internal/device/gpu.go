package device

var _ Device = (*GPU)(nil)
var _ Device = (*CPU)(nil)

type gpuOptions struct {
	ordinal int
}

type GPUOption func(*gpuOptions)

// WithOrdinal selects the CUDA device index. Defaults to 0.
func WithOrdinal(n int) GPUOption {
	return func(o *gpuOptions) {
		if n >= 0 {
			o.ordinal = n
		}
	}
}
