package preprocessing

import (
	"math/rand"

	"gonum.org/v1/gonum/dsp/fourier"

	"brainseg/internal/models"
)

// injectGaussianNoise returns a copy of the volume with additive white noise.
// Sigma is relative to the masked intensity range so the degradation level is
// comparable across differently scaled inputs.
func injectGaussianNoise(vol, mask *models.Volume, sigma float64, rng *rand.Rand) *models.Volume {
	lo, hi := maskedRange(vol, mask)
	scale := sigma * (hi - lo)
	out := vol.Clone()
	if scale == 0 {
		return out
	}
	for i := range out.Data {
		out.Data[i] += rng.NormFloat64() * scale
	}
	return out
}

// injectZeroFrequencies simulates k-space corruption: every axial slice is
// transformed to the frequency domain, a random fraction of frequency bins is
// zero-filled, and the slice is transformed back. Bins are zeroed together
// with their conjugate mirror so the reconstructed slice stays real.
func injectZeroFrequencies(vol *models.Volume, fraction float64, rng *rand.Rand) *models.Volume {
	out := vol.Clone()
	if fraction <= 0 {
		return out
	}

	w, h := vol.Width, vol.Height
	rowFFT := fourier.NewCmplxFFT(w)
	colFFT := fourier.NewCmplxFFT(h)

	spectrum := make([]complex128, w*h)
	rowBuf := make([]complex128, w)
	colBuf := make([]complex128, h)

	for z := 0; z < vol.Depth; z++ {
		base := z * w * h

		// Forward transform, rows then columns.
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				rowBuf[x] = complex(out.Data[base+y*w+x], 0)
			}
			coeff := rowFFT.Coefficients(nil, rowBuf)
			copy(spectrum[y*w:(y+1)*w], coeff)
		}
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				colBuf[y] = spectrum[y*w+x]
			}
			coeff := colFFT.Coefficients(nil, colBuf)
			for y := 0; y < h; y++ {
				spectrum[y*w+x] = coeff[y]
			}
		}

		// Zero-fill randomly selected bins and their mirrors.
		numZero := int(fraction * float64(w*h) / 2)
		for k := 0; k < numZero; k++ {
			u := rng.Intn(h)
			v := rng.Intn(w)
			spectrum[u*w+v] = 0
			spectrum[((h-u)%h)*w+(w-v)%w] = 0
		}

		// Inverse transform, columns then rows, normalized by the grid size.
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				colBuf[y] = spectrum[y*w+x]
			}
			seq := colFFT.Sequence(nil, colBuf)
			for y := 0; y < h; y++ {
				spectrum[y*w+x] = seq[y]
			}
		}
		norm := float64(w * h)
		for y := 0; y < h; y++ {
			copy(rowBuf, spectrum[y*w:(y+1)*w])
			seq := rowFFT.Sequence(nil, rowBuf)
			for x := 0; x < w; x++ {
				out.Data[base+y*w+x] = real(seq[x]) / norm
			}
		}
	}

	return out
}

// maskedRange returns the min and max intensity over nonzero-mask voxels.
func maskedRange(vol, mask *models.Volume) (lo, hi float64) {
	first := true
	for i, v := range vol.Data {
		if mask.Data[i] == 0 {
			continue
		}
		if first {
			lo, hi = v, v
			first = false
			continue
		}
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
