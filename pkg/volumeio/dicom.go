// Package volumeio reads and writes volumes as single-file multi-frame DICOM
// datasets, preserving the geometry metadata the pipeline needs to map flat
// arrays back onto the patient grid. Intensities are quantized to 16-bit
// samples with a rescale slope/intercept pair, so a round trip preserves
// values up to quantization.
package volumeio

import (
	"fmt"
	"image"
	"math"
	"os"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"brainseg/internal/models"
)

const maxSample = 65535

// Write stores a volume as a multi-frame MR DICOM file, one frame per
// z-slice. Volumes whose values are all integers in the sample range are
// stored with an identity rescale, so label volumes round-trip exactly.
func Write(vol *models.Volume, path string) error {
	var lo, slope float64
	if isIntegral(vol) {
		lo, slope = 0, 1
	} else {
		var hi float64
		lo, hi = dataRange(vol)
		slope = (hi - lo) / maxSample
		if slope == 0 {
			slope = 1
		}
	}

	ds := dicom.Dataset{
		Elements: []*dicom.Element{
			mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
			mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
			mustNewElement(tag.Modality, []string{"MR"}),

			mustNewElement(tag.Rows, []int{vol.Height}),
			mustNewElement(tag.Columns, []int{vol.Width}),
			mustNewElement(tag.NumberOfFrames, []string{strconv.Itoa(vol.Depth)}),

			mustNewElement(tag.PixelSpacing, []string{
				formatDS(vol.Spacing.Y),
				formatDS(vol.Spacing.X),
			}),
			mustNewElement(tag.SpacingBetweenSlices, []string{formatDS(vol.Spacing.Z)}),
			mustNewElement(tag.ImagePositionPatient, []string{
				formatDS(vol.Origin.X),
				formatDS(vol.Origin.Y),
				formatDS(vol.Origin.Z),
			}),

			mustNewElement(tag.RescaleIntercept, []string{formatDS(lo)}),
			mustNewElement(tag.RescaleSlope, []string{formatDS(slope)}),

			mustNewElement(tag.BitsAllocated, []int{16}),
			mustNewElement(tag.BitsStored, []int{16}),
			mustNewElement(tag.HighBit, []int{15}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		},
	}

	pixelsPerFrame := vol.Width * vol.Height
	info := dicom.PixelDataInfo{}
	for z := 0; z < vol.Depth; z++ {
		native := frame.NewNativeFrame[uint16](16, vol.Height, vol.Width, pixelsPerFrame, 1)
		base := z * pixelsPerFrame
		for i := 0; i < pixelsPerFrame; i++ {
			q := math.Round((vol.Data[base+i] - lo) / slope)
			if q < 0 {
				q = 0
			} else if q > maxSample {
				q = maxSample
			}
			native.RawData[i] = uint16(q)
		}
		info.Frames = append(info.Frames, &frame.Frame{
			Encapsulated: false,
			NativeData:   native,
		})
	}
	ds.Elements = append(ds.Elements, mustNewElement(tag.PixelData, info))

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := dicom.Write(f, ds); err != nil {
		return fmt.Errorf("writing DICOM dataset to %s: %w", path, err)
	}
	return nil
}

// Read loads a volume previously written by Write (or any uncompressed
// single-file multi-frame grayscale DICOM carrying the same tags).
func Read(path string) (*models.Volume, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	height, err := intTag(&ds, tag.Rows)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	width, err := intTag(&ds, tag.Columns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	slope := 1.0
	intercept := 0.0
	if v, err := floatTag(&ds, tag.RescaleSlope); err == nil {
		slope = v
	}
	if v, err := floatTag(&ds, tag.RescaleIntercept); err == nil {
		intercept = v
	}

	pixelElem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%s: no pixel data: %w", path, err)
	}
	info := dicom.MustGetPixelDataInfo(pixelElem.Value)
	depth := len(info.Frames)
	if depth == 0 {
		return nil, fmt.Errorf("%s: pixel data has no frames", path)
	}

	vol := models.NewVolume(width, height, depth)
	for z, fr := range info.Frames {
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("%s: decoding frame %d: %w", path, z, err)
		}
		if err := copyFrame(vol, z, img, slope, intercept); err != nil {
			return nil, fmt.Errorf("%s: frame %d: %w", path, z, err)
		}
	}

	if spacing, err := stringsTag(&ds, tag.PixelSpacing); err == nil && len(spacing) == 2 {
		vol.Spacing.Y, _ = strconv.ParseFloat(spacing[0], 64)
		vol.Spacing.X, _ = strconv.ParseFloat(spacing[1], 64)
	}
	if v, err := floatTag(&ds, tag.SpacingBetweenSlices); err == nil {
		vol.Spacing.Z = v
	}
	if pos, err := stringsTag(&ds, tag.ImagePositionPatient); err == nil && len(pos) == 3 {
		vol.Origin.X, _ = strconv.ParseFloat(pos[0], 64)
		vol.Origin.Y, _ = strconv.ParseFloat(pos[1], 64)
		vol.Origin.Z, _ = strconv.ParseFloat(pos[2], 64)
	}

	return vol, nil
}

// copyFrame transfers one decoded frame into the volume, undoing the
// rescale quantization.
func copyFrame(vol *models.Volume, z int, img image.Image, slope, intercept float64) error {
	bounds := img.Bounds()
	if bounds.Dx() != vol.Width || bounds.Dy() != vol.Height {
		return fmt.Errorf("frame is %dx%d, expected %dx%d", bounds.Dx(), bounds.Dy(), vol.Width, vol.Height)
	}
	base := z * vol.Width * vol.Height
	for y := 0; y < vol.Height; y++ {
		for x := 0; x < vol.Width; x++ {
			// Gray16 keeps the full stored sample; other image types only
			// cost precision, not correctness.
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			vol.Data[base+y*vol.Width+x] = float64(r)*slope + intercept
		}
	}
	return nil
}

// formatDS renders a float as a DICOM decimal string.
func formatDS(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func mustNewElement(t tag.Tag, data interface{}) *dicom.Element {
	e, err := dicom.NewElement(t, data)
	if err != nil {
		panic(fmt.Sprintf("creating DICOM element for %v: %v", t, err))
	}
	return e
}

func intTag(ds *dicom.Dataset, t tag.Tag) (int, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("missing tag %v: %w", t, err)
	}
	vals, ok := e.Value.GetValue().([]int)
	if !ok || len(vals) == 0 {
		return 0, fmt.Errorf("tag %v does not hold an integer", t)
	}
	return vals[0], nil
}

func stringsTag(ds *dicom.Dataset, t tag.Tag) ([]string, error) {
	e, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("missing tag %v: %w", t, err)
	}
	vals, ok := e.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("tag %v does not hold strings", t)
	}
	return vals, nil
}

func floatTag(ds *dicom.Dataset, t tag.Tag) (float64, error) {
	vals, err := stringsTag(ds, t)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("missing decimal tag %v", t)
	}
	return strconv.ParseFloat(vals[0], 64)
}

// isIntegral reports whether every value is a whole number representable as a
// 16-bit sample without rescaling.
func isIntegral(vol *models.Volume) bool {
	for _, v := range vol.Data {
		if v != math.Trunc(v) || v < 0 || v > maxSample {
			return false
		}
	}
	return true
}

func dataRange(vol *models.Volume) (lo, hi float64) {
	if len(vol.Data) == 0 {
		return 0, 0
	}
	lo, hi = vol.Data[0], vol.Data[0]
	for _, v := range vol.Data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
