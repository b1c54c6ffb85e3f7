// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphtest

import (
	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/graph"
)

// convConfig holds the spatial configuration of a 2D convolution, in NHWC order.
type convConfig struct {
	strideH, strideW     int
	dilationH, dilationW int
	padTop, padBottom    int
	padLeft, padRight    int
	outH, outW           int
}

// spatialAttr returns the (H, W) values of a 4-element attribute given in data format order.
func spatialAttr(attrs graph.Attributes, key string, nchw bool) (int, int, error) {
	values := attrs.IntsOr(key, 1, 1, 1, 1)
	if len(values) != 4 {
		return 0, 0, errors.Errorf("attribute %q must have 4 values, got %v", key, values)
	}
	if nchw {
		return int(values[2]), int(values[3]), nil
	}
	return int(values[1]), int(values[2]), nil
}

func samePadding(in, kernel, stride, dilation int) (out, before, after int) {
	effective := (kernel-1)*dilation + 1
	out = (in + stride - 1) / stride
	total := max((out-1)*stride+effective-in, 0)
	return out, total / 2, total - total/2
}

func newConvConfig(attrs graph.Attributes, inH, inW, kernelH, kernelW int) (cfg convConfig, err error) {
	nchw := attrs.StringOr(graph.AttrDataFormat, "NHWC") == "NCHW"
	if cfg.strideH, cfg.strideW, err = spatialAttr(attrs, graph.AttrStrides, nchw); err != nil {
		return
	}
	if cfg.dilationH, cfg.dilationW, err = spatialAttr(attrs, graph.AttrDilations, nchw); err != nil {
		return
	}
	if cfg.strideH <= 0 || cfg.strideW <= 0 || cfg.dilationH <= 0 || cfg.dilationW <= 0 {
		err = errors.Errorf("invalid strides (%d, %d) or dilations (%d, %d)", cfg.strideH, cfg.strideW, cfg.dilationH, cfg.dilationW)
		return
	}
	effH := (kernelH-1)*cfg.dilationH + 1
	effW := (kernelW-1)*cfg.dilationW + 1
	padding := attrs.StringOr(graph.AttrPadding, "VALID")
	switch padding {
	case "SAME":
		cfg.outH, cfg.padTop, cfg.padBottom = samePadding(inH, kernelH, cfg.strideH, cfg.dilationH)
		cfg.outW, cfg.padLeft, cfg.padRight = samePadding(inW, kernelW, cfg.strideW, cfg.dilationW)
	case "VALID":
		cfg.outH = (inH-effH)/cfg.strideH + 1
		cfg.outW = (inW-effW)/cfg.strideW + 1
	case "EXPLICIT":
		explicit := attrs.IntsOr(graph.AttrExplicitPaddings)
		if len(explicit) != 8 {
			err = errors.Errorf("EXPLICIT padding requires 8 explicit_paddings, got %v", explicit)
			return
		}
		hIdx, wIdx := 2, 4
		if nchw {
			hIdx, wIdx = 4, 6
		}
		cfg.padTop, cfg.padBottom = int(explicit[hIdx]), int(explicit[hIdx+1])
		cfg.padLeft, cfg.padRight = int(explicit[wIdx]), int(explicit[wIdx+1])
		if cfg.padTop < 0 || cfg.padBottom < 0 || cfg.padLeft < 0 || cfg.padRight < 0 {
			err = errors.Errorf("negative explicit_paddings %v", explicit)
			return
		}
		cfg.outH = (inH+cfg.padTop+cfg.padBottom-effH)/cfg.strideH + 1
		cfg.outW = (inW+cfg.padLeft+cfg.padRight-effW)/cfg.strideW + 1
	default:
		err = errors.Errorf("unknown padding %q", padding)
		return
	}
	if cfg.outH <= 0 || cfg.outW <= 0 {
		err = errors.Errorf("convolution output would be empty (%dx%d)", cfg.outH, cfg.outW)
	}
	return
}

// nchwToNHWC transposes a 4D tensor, and nhwcToNCHW reverses it.
func nchwToNHWC(x Tensor) Tensor {
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	result := NewTensor(n, h, w, c)
	for b := range n {
		for ch := range c {
			for i := range h {
				for j := range w {
					result.Data[((b*h+i)*w+j)*c+ch] = x.Data[((b*c+ch)*h+i)*w+j]
				}
			}
		}
	}
	return result
}

func nhwcToNCHW(x Tensor) Tensor {
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	result := NewTensor(n, c, h, w)
	for b := range n {
		for ch := range c {
			for i := range h {
				for j := range w {
					result.Data[((b*c+ch)*h+i)*w+j] = x.Data[((b*h+i)*w+j)*c+ch]
				}
			}
		}
	}
	return result
}

// conv2D computes a regular (depthwise=false) or depthwise convolution.
//
// Regular filters are shaped [KH, KW, C, O]. Depthwise filters are shaped [KH, KW, C, M] and produce C*M channels.
func conv2D(x, filter Tensor, attrs graph.Attributes, depthwise bool) (Tensor, error) {
	if x.Rank() != 4 || filter.Rank() != 4 {
		return Tensor{}, errors.Errorf("convolution requires 4D input and filter, got %v and %v", x.Shape, filter.Shape)
	}
	nchw := attrs.StringOr(graph.AttrDataFormat, "NHWC") == "NCHW"
	if nchw {
		x = nchwToNHWC(x)
	}
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	kh, kw, fc, fo := filter.Shape[0], filter.Shape[1], filter.Shape[2], filter.Shape[3]
	if fc != c {
		return Tensor{}, errors.Errorf("filter input channels %d don't match input channels %d", fc, c)
	}
	cfg, err := newConvConfig(attrs, h, w, kh, kw)
	if err != nil {
		return Tensor{}, err
	}
	outC := fo
	if depthwise {
		outC = c * fo
	}
	result := NewTensor(n, cfg.outH, cfg.outW, outC)
	for b := range n {
		for oi := range cfg.outH {
			for oj := range cfg.outW {
				out := result.Data[((b*cfg.outH+oi)*cfg.outW+oj)*outC : ((b*cfg.outH+oi)*cfg.outW+oj+1)*outC]
				for ki := range kh {
					i := oi*cfg.strideH + ki*cfg.dilationH - cfg.padTop
					if i < 0 || i >= h {
						continue
					}
					for kj := range kw {
						j := oj*cfg.strideW + kj*cfg.dilationW - cfg.padLeft
						if j < 0 || j >= w {
							continue
						}
						in := x.Data[((b*h+i)*w+j)*c : ((b*h+i)*w+j+1)*c]
						weights := filter.Data[(ki*kw+kj)*c*fo : (ki*kw+kj+1)*c*fo]
						for ch, v := range in {
							for o := range fo {
								if depthwise {
									out[ch*fo+o] += v * weights[ch*fo+o]
								} else {
									out[o] += v * weights[ch*fo+o]
								}
							}
						}
					}
				}
			}
		}
	}
	if nchw {
		result = nhwcToNCHW(result)
	}
	return result, nil
}

// volumeAttr returns the (D, H, W) values of a 5-element NDHWC attribute.
func volumeAttr(attrs graph.Attributes, key string) ([3]int, error) {
	values := attrs.IntsOr(key, 1, 1, 1, 1, 1)
	if len(values) != 5 {
		return [3]int{}, errors.Errorf("attribute %q must have 5 values, got %v", key, values)
	}
	return [3]int{int(values[1]), int(values[2]), int(values[3])}, nil
}

// conv3D computes an NDHWC 3D convolution with SAME or VALID padding. Filters are shaped [KD, KH, KW, C, O].
func conv3D(x, filter Tensor, attrs graph.Attributes) (Tensor, error) {
	if x.Rank() != 5 || filter.Rank() != 5 {
		return Tensor{}, errors.Errorf("Conv3D requires 5D input and filter, got %v and %v", x.Shape, filter.Shape)
	}
	if format := attrs.StringOr(graph.AttrDataFormat, "NDHWC"); format != "NDHWC" {
		return Tensor{}, errors.Errorf("Conv3D data format %q not supported", format)
	}
	n, c := x.Shape[0], x.Shape[4]
	in := [3]int{x.Shape[1], x.Shape[2], x.Shape[3]}
	kernel := [3]int{filter.Shape[0], filter.Shape[1], filter.Shape[2]}
	fc, fo := filter.Shape[3], filter.Shape[4]
	if fc != c {
		return Tensor{}, errors.Errorf("filter input channels %d don't match input channels %d", fc, c)
	}
	strides, err := volumeAttr(attrs, graph.AttrStrides)
	if err != nil {
		return Tensor{}, err
	}
	dilations, err := volumeAttr(attrs, graph.AttrDilations)
	if err != nil {
		return Tensor{}, err
	}
	var out, padBefore [3]int
	padding := attrs.StringOr(graph.AttrPadding, "VALID")
	for axis := range 3 {
		if strides[axis] <= 0 || dilations[axis] <= 0 {
			return Tensor{}, errors.Errorf("invalid strides %v or dilations %v", strides, dilations)
		}
		switch padding {
		case "SAME":
			out[axis], padBefore[axis], _ = samePadding(in[axis], kernel[axis], strides[axis], dilations[axis])
		case "VALID":
			out[axis] = (in[axis]-(kernel[axis]-1)*dilations[axis]-1)/strides[axis] + 1
		default:
			return Tensor{}, errors.Errorf("Conv3D padding %q not supported", padding)
		}
		if out[axis] <= 0 {
			return Tensor{}, errors.Errorf("convolution output would be empty (%v)", out)
		}
	}

	result := NewTensor(n, out[0], out[1], out[2], fo)
	for b := range n {
		for od := range out[0] {
			for oh := range out[1] {
				for ow := range out[2] {
					outIdx := (((b*out[0]+od)*out[1]+oh)*out[2] + ow) * fo
					acc := result.Data[outIdx : outIdx+fo]
					for kd := range kernel[0] {
						d := od*strides[0] + kd*dilations[0] - padBefore[0]
						if d < 0 || d >= in[0] {
							continue
						}
						for kh := range kernel[1] {
							h := oh*strides[1] + kh*dilations[1] - padBefore[1]
							if h < 0 || h >= in[1] {
								continue
							}
							for kw := range kernel[2] {
								w := ow*strides[2] + kw*dilations[2] - padBefore[2]
								if w < 0 || w >= in[2] {
									continue
								}
								inIdx := (((b*in[0]+d)*in[1]+h)*in[2] + w) * c
								weightsIdx := ((kd*kernel[1]+kh)*kernel[2] + kw) * c * fo
								for ch, v := range x.Data[inIdx : inIdx+c] {
									for o := range fo {
										acc[o] += v * filter.Data[weightsIdx+ch*fo+o]
									}
								}
							}
						}
					}
				}
			}
		}
	}
	return result, nil
}
