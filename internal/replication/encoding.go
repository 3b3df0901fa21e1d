package replication

import (
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/compress/zstd"

	"Constellation/internal/apex"
	"Constellation/internal/types"
)

var (
	encoderOnce = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	decoderOnce = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil)
	})
)

// Decoded is a received portion.
type Decoded struct {
	Stream   apex.Stream // Stream is the replicated sequence
	Start    uint64      // Start is the apex the portion begins after
	LastApex uint64      // LastApex is the last covered apex
	Items    [][]byte    // Items holds one record per apex from Start+1
}

// EncodePortion builds a FlatBuffers Portion of apexes (start, lastApex] and compresses it with zstd.
func EncodePortion(stream apex.Stream, start, lastApex uint64, items [][]byte) ([]byte, error) {
	size := 64
	for _, it := range items {
		size += len(it) + 8
	}

	builder := flatbuffers.NewBuilder(size)

	offsets := make([]flatbuffers.UOffsetT, len(items))
	for i, it := range items {
		data := builder.CreateByteVector(it)

		types.PortionItemStart(builder)
		types.PortionItemAddData(builder, data)
		offsets[i] = types.PortionItemEnd(builder)
	}

	types.PortionStartItemsVector(builder, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(offsets[i])
	}
	vec := builder.EndVector(len(offsets))

	types.PortionStart(builder)
	types.PortionAddStream(builder, uint8(stream))
	types.PortionAddStart(builder, start)
	types.PortionAddLastApex(builder, lastApex)
	types.PortionAddItems(builder, vec)
	builder.Finish(types.PortionEnd(builder))

	encoder, err := encoderOnce()
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	return encoder.EncodeAll(builder.FinishedBytes(), nil), nil
}

// DecodePortion decompresses and decodes a portion blob.
func DecodePortion(data []byte) (d *Decoded, err error) {
	decoder, err := decoderOnce()
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress portion:\n%w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("malformed portion: %v", r)
		}
	}()

	if len(raw) < 8 {
		return nil, fmt.Errorf("portion too short: %d bytes", len(raw))
	}

	fb := types.GetRootAsPortion(raw, 0)
	d = &Decoded{
		Stream:   apex.Stream(fb.Stream()),
		Start:    fb.Start(),
		LastApex: fb.LastApex(),
		Items:    make([][]byte, 0, fb.ItemsLength()),
	}

	var item types.PortionItem
	for i := 0; i < fb.ItemsLength(); i++ {
		if !fb.Items(&item, i) {
			continue
		}

		b := item.DataBytes()
		out := make([]byte, len(b))
		copy(out, b)
		d.Items = append(d.Items, out)
	}

	if d.LastApex < d.Start || uint64(len(d.Items)) != d.LastApex-d.Start {
		return nil, fmt.Errorf("portion (%d, %d] carries %d items", d.Start, d.LastApex, len(d.Items))
	}

	return d, nil
}
