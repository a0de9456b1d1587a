package codeview

import (
	"errors"
	"fmt"
	"iter"

	"github.com/skdltmxn/pdbstream/stream"
)

// SymbolRecord is the header of one symbol record.
type SymbolRecord struct {
	Offset int64 // position of the length field in the symbol stream
	Length uint16
	Kind   SymbolKind
}

// NextSymbol reads one record header from r and returns a reader scoped to
// the record's payload. r is left at the start of the following record no
// matter how much of the payload is consumed.
func NextSymbol(r stream.Reader) (SymbolRecord, *stream.SubReader, error) {
	rec := SymbolRecord{Offset: r.Position()}

	length, err := r.ReadU16()
	if err != nil {
		return rec, nil, err
	}
	if length < 2 {
		return rec, nil, fmt.Errorf("%w: %d at offset 0x%x", ErrInvalidRecordLength, length, rec.Offset)
	}
	rec.Length = length

	kind, err := r.ReadU16()
	if err != nil {
		return rec, nil, err
	}
	rec.Kind = SymbolKind(kind)

	payload, err := stream.NewSubReader(r, int64(length)-2)
	if err != nil {
		return rec, nil, fmt.Errorf("%w: %s at offset 0x%x claims %d bytes", ErrInvalidRecordLength, rec.Kind, rec.Offset, length)
	}
	return rec, payload, nil
}

// SymbolIterator walks the records of a symbol stream. Iteration stops at
// the end of the reader or at the first malformed record, whose error is
// then reported by Err.
type SymbolIterator struct {
	r   stream.Reader
	err error
}

// NewSymbolIterator iterates over the records between r's position and its
// end.
func NewSymbolIterator(r stream.Reader) *SymbolIterator {
	return &SymbolIterator{r: r}
}

// Err returns the error that ended iteration, if any.
func (it *SymbolIterator) Err() error {
	return it.err
}

// Records yields each record header together with its payload reader.
func (it *SymbolIterator) Records() iter.Seq2[SymbolRecord, *stream.SubReader] {
	return func(yield func(SymbolRecord, *stream.SubReader) bool) {
		for it.err == nil && it.r.BytesRemaining() > 0 {
			rec, payload, err := NextSymbol(it.r)
			if err != nil {
				it.err = err
				return
			}
			if !yield(rec, payload) {
				return
			}
		}
	}
}

// Symbols yields every record that DecodeSymbol understands, skipping the
// others.
func (it *SymbolIterator) Symbols() iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		for rec, payload := range it.Records() {
			sym, err := DecodeSymbol(rec.Kind, payload)
			if errors.Is(err, ErrUnknownSymbol) {
				continue
			}
			if err != nil {
				var de *DecodeError
				if errors.As(err, &de) {
					// report offsets relative to the symbol stream
					de.Offset = rec.Offset
				}
				it.err = err
				return
			}
			if !yield(sym) {
				return
			}
		}
	}
}
