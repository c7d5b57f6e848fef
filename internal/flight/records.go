// Package flight ships layer reports as Arrow record batches, over Arrow
// Flight (gRPC) or as a plain IPC stream.
package flight

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/quarrel-patch/internal/patching"
)

// Schema metadata keys.
const (
	MetaSentence    = "user_sentence"
	MetaPrefix      = "prefix_used_for_scoring"
	MetaSingular    = "verb_singular"
	MetaPlural      = "verb_plural"
	MetaActual      = "actual_verb"
	MetaWrong       = "wrong_verb"
	MetaBadSentence = "bad_sentence"
	MetaPActual     = "p_actual"
	MetaPWrong      = "p_wrong"
	MetaPSingular   = "p_singular"
	MetaPPlural     = "p_plural"
)

var reportFields = []arrow.Field{
	{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
	{Name: "p_correct", Type: arrow.PrimitiveTypes.Float64},
	{Name: "delta", Type: arrow.PrimitiveTypes.Float64},
}

// BaseSchema is the report schema without per-result metadata.
func BaseSchema() *arrow.Schema {
	return arrow.NewSchema(reportFields, nil)
}

// ReportSchema carries the sentence, verb pair and baseline probabilities
// of res as schema metadata.
func ReportSchema(res *patching.Result) *arrow.Schema {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	md := arrow.NewMetadata(
		[]string{MetaSentence, MetaPrefix, MetaSingular, MetaPlural, MetaActual, MetaWrong,
			MetaBadSentence, MetaPActual, MetaPWrong, MetaPSingular, MetaPPlural},
		[]string{res.UserSentence, res.Prefix, res.Pair.Singular, res.Pair.Plural, res.Actual, res.Wrong,
			res.BadSentence, f(res.PActual), f(res.PWrong), f(res.PSingular), f(res.PPlural)},
	)
	return arrow.NewSchema(reportFields, &md)
}

// BuildRecord returns one row per probed layer. The caller releases it.
func BuildRecord(mem memory.Allocator, res *patching.Result) arrow.Record {
	b := array.NewRecordBuilder(mem, ReportSchema(res))
	defer b.Release()

	layers := b.Field(0).(*array.Int32Builder)
	probs := b.Field(1).(*array.Float64Builder)
	deltas := b.Field(2).(*array.Float64Builder)
	for _, d := range res.Deltas() {
		layers.Append(int32(d.Layer))
		probs.Append(d.PCorrect)
		deltas.Append(d.Delta)
	}
	return b.NewRecord()
}

// ResultFromRecord rebuilds a result from a report record and its schema.
func ResultFromRecord(schema *arrow.Schema, rec arrow.Record) (*patching.Result, error) {
	if !schema.HasMetadata() {
		return nil, fmt.Errorf("report schema has no metadata")
	}
	md := schema.Metadata()
	get := func(k string) string {
		if i := md.FindKey(k); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	num := func(k string) (float64, error) {
		v, err := strconv.ParseFloat(get(k), 64)
		if err != nil {
			return 0, fmt.Errorf("metadata %s: %w", k, err)
		}
		return v, nil
	}

	res := &patching.Result{
		UserSentence: get(MetaSentence),
		Prefix:       get(MetaPrefix),
		Pair:         patching.VerbPair{Singular: get(MetaSingular), Plural: get(MetaPlural)},
		Actual:       get(MetaActual),
		Wrong:        get(MetaWrong),
		BadSentence:  get(MetaBadSentence),
	}
	var err error
	if res.PActual, err = num(MetaPActual); err != nil {
		return nil, err
	}
	if res.PWrong, err = num(MetaPWrong); err != nil {
		return nil, err
	}
	if res.PSingular, err = num(MetaPSingular); err != nil {
		return nil, err
	}
	if res.PPlural, err = num(MetaPPlural); err != nil {
		return nil, err
	}

	if rec.NumCols() != int64(len(reportFields)) {
		return nil, fmt.Errorf("report has %d columns, want %d", rec.NumCols(), len(reportFields))
	}
	layers, ok := rec.Column(0).(*array.Int32)
	if !ok {
		return nil, fmt.Errorf("layer column is %s", rec.Column(0).DataType())
	}
	probs, ok := rec.Column(1).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("p_correct column is %s", rec.Column(1).DataType())
	}
	res.LayerProbs = make([]float64, probs.Len())
	for i := 0; i < probs.Len(); i++ {
		if int(layers.Value(i)) != i {
			return nil, fmt.Errorf("row %d holds layer %d", i, layers.Value(i))
		}
		res.LayerProbs[i] = probs.Value(i)
	}
	return res, nil
}

// WriteIPC writes res as a single-batch Arrow IPC stream.
func WriteIPC(w io.Writer, mem memory.Allocator, res *patching.Result) error {
	rec := BuildRecord(mem, res)
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("writing record: %w", err)
	}
	return wr.Close()
}

// ReadIPC reads the first report from an IPC stream written by WriteIPC.
func ReadIPC(r io.Reader, mem memory.Allocator) (*patching.Result, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	defer rd.Release()

	if !rd.Next() {
		if err := rd.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("stream has no record")
	}
	return ResultFromRecord(rd.Schema(), rd.Record())
}
