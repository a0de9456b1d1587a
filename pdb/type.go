package pdb

import (
	"fmt"

	"github.com/skdltmxn/pdbstream/codeview"
	"github.com/skdltmxn/pdbstream/msf"
	"github.com/skdltmxn/pdbstream/stream"
)

func (f *File) loadTypeStream(index uint32, name string) (*codeview.TypeStream, error) {
	r, err := f.openStream(index, name)
	if err != nil {
		return nil, err
	}
	ts, err := codeview.NewTypeStream(r)
	if err != nil {
		return nil, &ParseError{Stream: name, Offset: r.Position(), Message: "invalid type stream header", Err: err}
	}
	return ts, nil
}

// Types returns the type stream (TPI).
func (f *File) Types() (*codeview.TypeStream, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	return f.tpi.get(func() (*codeview.TypeStream, error) {
		return f.loadTypeStream(msf.StreamTPI, "TPI")
	})
}

// IDs returns the ID stream (IPI), which older PDBs lack.
func (f *File) IDs() (*codeview.TypeStream, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	return f.ipi.get(func() (*codeview.TypeStream, error) {
		exists, err := f.msf.StreamExists(msf.StreamIPI)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, fmt.Errorf("%w: IPI", ErrStreamNotFound)
		}
		return f.loadTypeStream(msf.StreamIPI, "IPI")
	})
}

// TypeCount returns the number of records in the type stream.
func (f *File) TypeCount() (uint32, error) {
	ts, err := f.Types()
	if err != nil {
		return 0, err
	}
	return ts.TypeCount(), nil
}

// LookupType returns the header and payload of a type record.
func (f *File) LookupType(ti codeview.TypeIndex) (codeview.TypeRecord, *stream.SubReader, error) {
	ts, err := f.Types()
	if err != nil {
		return codeview.TypeRecord{}, nil, err
	}
	rec, payload, err := ts.Lookup(ti)
	if err != nil {
		return rec, nil, fmt.Errorf("%w: %s: %w", ErrTypeNotFound, ti, err)
	}
	return rec, payload, nil
}
