/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package petimages handles the Microsoft "PetImages" (Kaggle cats vs dogs) dataset: downloading it,
// listing and splitting its examples, preprocessing images into grayscale tensors and serving them
// as a train.Dataset.
package petimages

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/catsvsdogs/internal/workerspool"
	"github.com/gomlx/catsvsdogs/pkg/support/downloader"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	DownloadURL      = "https://download.microsoft.com/download/3/E/1/3E1C3F21-ECDB-4869-8368-6DEBA77B919F/kagglecatsanddogs_5340.zip"
	DownloadChecksum = "b7974bd00a84a99921f36ee4403f089853777b5ae8d151c76a86e64900334af9"
	LocalZipFile     = "kagglecatsanddogs_5340.zip"
	LocalZipDir      = "PetImages"

	// MaxCount is the number of images per label in the archive, indexed from 0 to MaxCount-1.
	MaxCount = 12500
)

// Label of an example. Dog is the positive class.
type Label int8

const (
	Cat Label = iota
	Dog
)

// Labels lists all labels, in order.
var Labels = []Label{Cat, Dog}

func (l Label) String() string {
	switch l {
	case Cat:
		return "Cat"
	case Dog:
		return "Dog"
	}
	return "Unknown"
}

// SubDir returns the subdirectory of LocalZipDir with the images of the label.
func (l Label) SubDir() string { return l.String() }

var (
	BadCatImages = map[int]bool{10404: true, 11095: true, 12080: true, 5370: true, 6435: true, 666: true}
	BadDogImages = map[int]bool{11233: true, 11702: true, 11912: true, 2317: true, 9500: true}

	// BadImages indexed by Label: images known to be corrupted or not to be a cat or a dog.
	BadImages = [2]map[int]bool{BadCatImages, BadDogImages}
)

// Download the PetImages archive to baseDir and unzip it, if not done yet.
func Download(ctx context.Context, baseDir string) error {
	zipFilePath := filepath.Join(baseDir, LocalZipFile)
	targetZipPath := filepath.Join(baseDir, LocalZipDir)
	return downloader.DownloadAndUnzipIfMissing(ctx, DownloadURL, zipFilePath, baseDir, targetZipPath, DownloadChecksum)
}

// Example references one image of the dataset.
type Example struct {
	Label Label
	Index int
	Path  string
}

func (e Example) String() string {
	return fmt.Sprintf("%s/%d", e.Label, e.Index)
}

// exampleHash is the key used to order examples: a stable pseudo-random permutation per seed.
func exampleHash(seed int32, label Label, index int) uint32 {
	var buf [9]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(seed))
	buf[4] = byte(label)
	binary.LittleEndian.PutUint32(buf[5:9], uint32(index))
	return crc32.ChecksumIEEE(buf[:])
}

// ListExamples enumerates the "<index>.jpg" images under baseDir/PetImages/{Cat,Dog}, skipping images
// in the known bad list, and returns them in an order that is pseudo-randomly shuffled, but fixed for a
// given seed. Splits taken over this order are reproducible.
func ListExamples(baseDir string, seed int32) ([]Example, error) {
	var examples []Example
	for _, label := range Labels {
		dir := filepath.Join(baseDir, LocalZipDir, label.SubDir())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list images of %s in %q", label, dir)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".jpg") {
				continue
			}
			index, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
			if err != nil {
				klog.V(2).Infof("Skipping %q: not named after its index", filepath.Join(dir, name))
				continue
			}
			if BadImages[label][index] {
				continue
			}
			examples = append(examples, Example{Label: label, Index: index, Path: filepath.Join(dir, name)})
		}
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("no images found under %q", filepath.Join(baseDir, LocalZipDir))
	}
	slices.SortFunc(examples, func(a, b Example) int {
		ha, hb := exampleHash(seed, a.Label, a.Index), exampleHash(seed, b.Label, b.Index)
		if ha != hb {
			if ha < hb {
				return -1
			}
			return 1
		}
		if a.Label != b.Label {
			return int(a.Label) - int(b.Label)
		}
		return a.Index - b.Index
	})
	return examples, nil
}

// FilterDecodable returns the examples whose image files can be decoded, preserving order.
// Up to parallelism images are decoded at the same time (0 decodes inline, negative is unlimited).
func FilterDecodable(examples []Example, parallelism int) []Example {
	valid := make([]bool, len(examples))
	pool := workerspool.NewWithParallelism(parallelism)
	_ = pool.ForEach(len(examples), func(i int) error {
		if _, err := LoadImage(examples[i].Path); err != nil {
			klog.Warningf("Skipping %s (%q): %v", examples[i], examples[i].Path, err)
			return nil
		}
		valid[i] = true
		return nil
	})
	filtered := make([]Example, 0, len(examples))
	for i, ex := range examples {
		if valid[i] {
			filtered = append(filtered, ex)
		}
	}
	return filtered
}

// Split examples in train and validation: train takes the first int(ratio*N) examples and validation the rest.
func Split(examples []Example, ratio float64) (trainExamples, validationExamples []Example, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, errors.Errorf("train split ratio must be in the open interval (0, 1), got %g", ratio)
	}
	numTrain := int(ratio * float64(len(examples)))
	if numTrain == 0 || numTrain == len(examples) {
		return nil, nil, errors.Errorf("train split ratio %g over %d examples leaves one of the splits empty",
			ratio, len(examples))
	}
	return examples[:numTrain], examples[numTrain:], nil
}

// CountLabels returns the number of examples of each label, indexed by Label.
func CountLabels(examples []Example) (counts [2]int) {
	for _, ex := range examples {
		counts[ex.Label]++
	}
	return
}
