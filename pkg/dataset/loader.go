// Package dataset crawls subject directories into Subject records and loads
// the atlas reference data. The on-disk layout is one subdirectory per
// subject containing <Modality>.dcm files, a Mask.dcm and an optional
// GroundTruth.dcm, all on the same voxel grid.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"brainseg/internal/models"
	"brainseg/pkg/normalization"
	"brainseg/pkg/volumeio"
)

// File names with fixed roles inside a subject directory.
const (
	maskFile        = "Mask.dcm"
	groundTruthFile = "GroundTruth.dcm"
)

// Crawl loads every subject under root, in lexical directory order. It fails
// fast on the first subject missing a required modality or mask file, so a
// half-broken dataset is rejected before any processing starts.
func Crawl(root string, modalities []string) ([]*models.Subject, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory %s: %w", root, err)
	}

	var subjects []*models.Subject
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		subject, err := loadSubject(filepath.Join(root, entry.Name()), entry.Name(), modalities)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}

	if len(subjects) == 0 {
		return nil, fmt.Errorf("no subject directories found under %s", root)
	}
	return subjects, nil
}

// loadSubject reads one subject directory.
func loadSubject(dir, id string, modalities []string) (*models.Subject, error) {
	subject := &models.Subject{
		ID:     id,
		Images: make(map[string]*models.Volume, len(modalities)),
	}

	maskPath := filepath.Join(dir, maskFile)
	if _, err := os.Stat(maskPath); err != nil {
		return nil, &models.MissingModalityError{Subject: id, Modality: "Mask"}
	}
	mask, err := volumeio.Read(maskPath)
	if err != nil {
		return nil, fmt.Errorf("subject %s: reading mask: %w", id, err)
	}
	subject.Mask = mask

	for _, m := range modalities {
		path := filepath.Join(dir, m+".dcm")
		if _, err := os.Stat(path); err != nil {
			return nil, &models.MissingModalityError{Subject: id, Modality: m}
		}
		vol, err := volumeio.Read(path)
		if err != nil {
			return nil, fmt.Errorf("subject %s: reading %s: %w", id, m, err)
		}
		subject.Images[m] = vol
	}

	gtPath := filepath.Join(dir, groundTruthFile)
	if _, err := os.Stat(gtPath); err == nil {
		gt, err := volumeio.Read(gtPath)
		if err != nil {
			return nil, fmt.Errorf("subject %s: reading ground truth: %w", id, err)
		}
		subject.GroundTruth = gt
	}

	if err := subject.Validate(); err != nil {
		return nil, err
	}
	return subject, nil
}

// Atlas holds the reference data used by histogram-matching normalization.
type Atlas struct {
	// Mask is the atlas brain mask
	Mask *models.Volume

	// Images holds the reference volume per modality
	Images map[string]*models.Volume

	// References holds the precomputed reference histogram per modality
	References map[string]*normalization.Histogram
}

// LoadAtlas reads the atlas directory (same layout as a subject directory,
// without ground truth) and precomputes the per-modality reference
// histograms.
func LoadAtlas(dir string, modalities []string) (*Atlas, error) {
	mask, err := volumeio.Read(filepath.Join(dir, maskFile))
	if err != nil {
		return nil, fmt.Errorf("reading atlas mask: %w", err)
	}

	atlas := &Atlas{
		Mask:       mask,
		Images:     make(map[string]*models.Volume, len(modalities)),
		References: make(map[string]*normalization.Histogram, len(modalities)),
	}

	for _, m := range modalities {
		vol, err := volumeio.Read(filepath.Join(dir, m+".dcm"))
		if err != nil {
			return nil, fmt.Errorf("reading atlas %s: %w", m, err)
		}
		if !vol.SameGrid(mask) {
			return nil, fmt.Errorf("atlas %s geometry does not match atlas mask", m)
		}
		atlas.Images[m] = vol

		var masked []float64
		for i, v := range vol.Data {
			if mask.Data[i] != 0 {
				masked = append(masked, v)
			}
		}
		ref, err := normalization.NewHistogram(masked)
		if err != nil {
			return nil, fmt.Errorf("building atlas histogram for %s: %w", m, err)
		}
		atlas.References[m] = ref
	}

	return atlas, nil
}
