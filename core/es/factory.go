package es

// Factory constructs aggregates for one stream type. It replaces any runtime
// type inspection with three explicit construction paths, registered at
// startup and resolved by stream type.
type Factory interface {
	// NewEmpty returns a fresh aggregate at version 0.
	NewEmpty(id string) Aggregate
	// NewFromHistory rebuilds an aggregate by replaying its ordered event stream.
	NewFromHistory(id string, events []Event, decoder Decoder) (Aggregate, error)
	// NewFromSnapshot rehydrates an aggregate from materialized state.
	NewFromSnapshot(id string, version Version, data []byte) (Aggregate, error)
}

type factory[T Aggregate] struct {
	construct func(id string) T
}

// NewFactory builds a Factory from a plain constructor function.
func NewFactory[T Aggregate](construct func(id string) T) Factory {
	return &factory[T]{construct: construct}
}

func (f *factory[T]) NewEmpty(id string) Aggregate {
	a := f.construct(id)
	a.SetID(id)
	return a
}

func (f *factory[T]) NewFromHistory(id string, events []Event, decoder Decoder) (Aggregate, error) {
	a := f.NewEmpty(id)
	for _, env := range events {
		evt, err := decoder.Decode(env)
		if err != nil {
			return nil, err
		}
		if err := a.Apply(evt); err != nil {
			return nil, err
		}
		a.setVersion(env.Version)
	}
	return a, nil
}

func (f *factory[T]) NewFromSnapshot(id string, version Version, data []byte) (Aggregate, error) {
	a := f.NewEmpty(id)
	if err := restoreSnapshotData(a, data); err != nil {
		return nil, err
	}
	a.SetID(id)
	a.setVersion(version)
	return a, nil
}
