package output

import (
	"fmt"

	"github.com/forest-guardian/aces-landcover/internal/logger"
	"github.com/forest-guardian/aces-landcover/internal/ml"
	"github.com/forest-guardian/aces-landcover/internal/tfrecord"
)

// PredictionField holds the class index of each pixel in an output record.
const PredictionField = "prediction"

// RecordWriter is the sink for encoded patches; *tfrecord.Writer implements it.
type RecordWriter interface {
	Write(record []byte) error
}

// PatchWriter regroups the flat prediction stream into patch-sized records.
// Each record has an int64 "prediction" field and one float field per class,
// every field holding width*height values in pixel order. Records are written
// in the order their pixels arrive, which is the order of the input tiles.
type PatchWriter struct {
	w            RecordWriter
	classNames   []string
	capacity     int
	totalPatches int

	classes []int64
	scores  [][]float32
	patch   int
}

func NewPatchWriter(w RecordWriter, width, height, totalPatches int, classNames []string) *PatchWriter {
	pw := &PatchWriter{
		w:            w,
		classNames:   classNames,
		capacity:     width * height,
		totalPatches: totalPatches,
	}
	pw.reset()
	return pw
}

func (pw *PatchWriter) reset() {
	pw.classes = make([]int64, 0, pw.capacity)
	pw.scores = make([][]float32, len(pw.classNames))
	for i := range pw.scores {
		pw.scores[i] = make([]float32, 0, pw.capacity)
	}
}

// Add appends one pixel prediction and flushes a record once the patch is full.
func (pw *PatchWriter) Add(p ml.Prediction) error {
	if len(p.Scores) != len(pw.classNames) {
		return fmt.Errorf("prediction has %d scores, expected %d (%v)", len(p.Scores), len(pw.classNames), pw.classNames)
	}
	pw.classes = append(pw.classes, int64(p.Class))
	for i, s := range p.Scores {
		pw.scores[i] = append(pw.scores[i], s)
	}
	if len(pw.classes) < pw.capacity {
		return nil
	}
	return pw.flush()
}

func (pw *PatchWriter) flush() error {
	pw.patch++
	if pw.patch%100 == 0 {
		logger.Infof("Done with patch %d of %d...", pw.patch, pw.totalPatches)
	}

	ex := tfrecord.NewExample()
	ex.Features[PredictionField] = tfrecord.Int64Feature(pw.classes)
	for i, name := range pw.classNames {
		ex.Features[name] = tfrecord.FloatFeature(pw.scores[i])
	}
	if err := pw.w.Write(ex.Marshal()); err != nil {
		return fmt.Errorf("failed to write patch %d: %w", pw.patch, err)
	}
	pw.reset()
	return nil
}

// Patches is the number of records written so far.
func (pw *PatchWriter) Patches() int {
	return pw.patch
}

// Pending is the number of buffered predictions not yet written.
func (pw *PatchWriter) Pending() int {
	return len(pw.classes)
}

// Finish discards a trailing partial patch and returns how many predictions
// were dropped. A non-zero value means the prediction count was not a
// multiple of the patch size.
func (pw *PatchWriter) Finish() int {
	dropped := len(pw.classes)
	if dropped > 0 {
		logger.Warnf("Dropping %d trailing predictions that do not fill a %d pixel patch", dropped, pw.capacity)
	}
	if pw.totalPatches > 0 && pw.patch != pw.totalPatches {
		logger.Warnf("Wrote %d patches but the mixer declares %d", pw.patch, pw.totalPatches)
	}
	pw.reset()
	return dropped
}

// PredictionPatch is a decoded output record.
type PredictionPatch struct {
	Classes []int64
	Scores  map[string][]float32
}

// DecodePredictionRecord parses one record written by PatchWriter.
func DecodePredictionRecord(record []byte, classNames []string) (*PredictionPatch, error) {
	ex, err := tfrecord.UnmarshalExample(record)
	if err != nil {
		return nil, err
	}
	pred, ok := ex.Features[PredictionField]
	if !ok || pred.Kind != tfrecord.KindInt64 {
		return nil, fmt.Errorf("record has no int64 %s field", PredictionField)
	}
	patch := &PredictionPatch{Classes: pred.Int64s, Scores: make(map[string][]float32, len(classNames))}
	for _, name := range classNames {
		f, ok := ex.Features[name]
		if !ok || f.Kind != tfrecord.KindFloat {
			return nil, fmt.Errorf("record has no float %s field", name)
		}
		if len(f.Floats) != len(pred.Int64s) {
			return nil, fmt.Errorf("field %s has %d values, %s has %d", name, len(f.Floats), PredictionField, len(pred.Int64s))
		}
		patch.Scores[name] = f.Floats
	}
	return patch, nil
}
