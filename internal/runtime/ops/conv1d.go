package ops

import (
	"fmt"

	"github.com/example/go-mel-transformer/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU Conv1d.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels, kernel_size]
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, fmt.Errorf("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 {
		return nil, fmt.Errorf("ops: conv1d stride/dilation must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	batch, inChannels, length := inShape[0], inShape[1], inShape[2]
	outChannels, kInChannels, kernelSize := kShape[0], kShape[1], kShape[2]

	if kInChannels != inChannels {
		return nil, fmt.Errorf("ops: conv1d kernel in_channels mismatch: got %d want %d", kInChannels, inChannels)
	}

	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != outChannels {
			return nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, outChannels)
		}
	}

	outLength := (length+2*padding-dilation*(kernelSize-1)-1)/stride + 1
	if outLength <= 0 {
		return nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", outLength)
	}

	out, err := tensor.Zeros([]int64{batch, outChannels, outLength})
	if err != nil {
		return nil, err
	}

	inputData := input.RawData()
	kernelData := kernel.RawData()
	outData := out.RawData()

	var biasData []float32
	if bias != nil {
		biasData = bias.RawData()
	}

	for b := range batch {
		for oc := range outChannels {
			for ox := range outLength {
				sum := float32(0)
				if biasData != nil {
					sum = biasData[oc]
				}

				for ic := range inChannels {
					for kx := range kernelSize {
						inPos := ox*stride - padding + kx*dilation
						if inPos < 0 || inPos >= length {
							continue
						}

						inputIdx := ((b*inChannels + ic) * length) + inPos
						kernelIdx := ((oc*inChannels + ic) * kernelSize) + kx
						sum += inputData[inputIdx] * kernelData[kernelIdx]
					}
				}

				outIdx := ((b*outChannels + oc) * outLength) + ox
				outData[outIdx] = sum
			}
		}
	}

	return out, nil
}

// SamePadding returns the left/right-symmetric padding that keeps a stride-1
// dilation-1 convolution's output length equal to its input length.
func SamePadding(kernelSize int64) int64 {
	if kernelSize < 1 {
		return 0
	}

	return (kernelSize - 1) / 2
}
