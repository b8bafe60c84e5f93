package report

import (
	"bytes"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/catsvsdogs/pkg/fit"
	"github.com/gomlx/catsvsdogs/pkg/petimages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistories() []*fit.History {
	return []*fit.History{
		{
			Model: "dense",
			Epochs: []fit.EpochMetrics{
				{Epoch: 1, ValLoss: 0.69, ValAccuracy: 0.52, Duration: time.Second},
				{Epoch: 2, ValLoss: 0.66, ValAccuracy: 0.58, Duration: time.Second},
			},
			BestEpoch:     2,
			NumParameters: 1523551,
			Dir:           "dogs_cats_dense",
		},
		{
			Model: "cnn2",
			Epochs: []fit.EpochMetrics{
				{Epoch: 1, ValLoss: 0.6, ValAccuracy: 0.65},
				{Epoch: 2, ValLoss: 0.5, ValAccuracy: math.NaN()},
				{Epoch: 3, ValLoss: 0.55, ValAccuracy: 0.75},
			},
			BestEpoch:    2,
			StoppedEarly: true,
			RestoredBest: true,
		},
	}
}

func decodePNG(t *testing.T, filePath string) (width, height int) {
	f, err := os.Open(filePath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := png.Decode(f)
	require.NoError(t, err)
	return img.Bounds().Dx(), img.Bounds().Dy()
}

func TestSampleGrid(t *testing.T) {
	const size = 8
	var images [][]byte
	var labels []petimages.Label
	for i := range 12 {
		images = append(images, bytes.Repeat([]byte{byte(i * 20)}, size*size))
		labels = append(labels, petimages.Label(i%2))
	}
	filePath := filepath.Join(t.TempDir(), "figures", SampleGridFileName)
	require.NoError(t, SampleGrid(filePath, images, labels, size))
	width, height := decodePNG(t, filePath)
	assert.Greater(t, width, 0)
	assert.Equal(t, width, height, "3x3 grid should be square")

	// Fewer images than a full grid.
	require.NoError(t, SampleGrid(filePath, images[:2], labels[:2], size))
	width, height = decodePNG(t, filePath)
	assert.Greater(t, width, height)

	require.Error(t, SampleGrid(filePath, nil, nil, size))
	require.Error(t, SampleGrid(filePath, images[:2], labels[:1], size))
	require.Error(t, SampleGrid(filePath, [][]byte{{1, 2, 3}}, labels[:1], size))
}

func TestComparison(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), ComparisonFileName)
	require.NoError(t, Comparison(filePath, testHistories()))
	width, height := decodePNG(t, filePath)
	assert.Greater(t, width, height)
	require.Error(t, Comparison(filePath, nil))
}

func TestComparisonSVG(t *testing.T) {
	dir := t.TempDir()
	files, err := ComparisonSVG(dir, testHistories())
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, filePath := range files {
		contents, err := os.ReadFile(filePath)
		require.NoError(t, err)
		assert.Contains(t, string(contents), "<svg")
		assert.Contains(t, string(contents), "CNN2")
	}

	_, err = ComparisonSVG(dir, []*fit.History{{Model: "cnn"}})
	require.Error(t, err)
}

func TestComparisonHTML(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "figures")
	files, err := ComparisonHTML(dir, testHistories())
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "comparison_accuracy.html"),
		filepath.Join(dir, "comparison_loss.html"),
	}, files)
	for _, filePath := range files {
		contents, err := os.ReadFile(filePath)
		require.NoError(t, err)
		assert.Contains(t, string(contents), "plotly")
		assert.Contains(t, string(contents), "CNN2")
	}

	figs := comparisonFigs(testHistories())
	require.Len(t, figs, 2)
	require.Len(t, figs[0].Data, 2)
	_, err = ComparisonHTML(dir, nil)
	require.Error(t, err)
}

func TestSummaryTable(t *testing.T) {
	table := SummaryTable(&bytes.Buffer{}, testHistories(), true)
	lines := strings.Split(table, "\n")
	require.Greater(t, len(lines), 4)
	assert.Contains(t, table, "Val Accuracy")
	assert.Contains(t, table, "1,523,551")
	assert.Contains(t, table, "58.00%")
	assert.Contains(t, table, "2 (restored)")
	assert.Contains(t, table, "3 (early stop)")
	assert.Contains(t, table, "dogs_cats_dense")
	assert.NotContains(t, table, "\x1b[", "plain table should have no escape sequences")
}
