package seq

import "github.com/factorykit/cell-sequencer/types"

// Measurement declares a named measurement a phase intends to record,
// optionally with units and numeric limits. A recorded value outside its
// declared limits marks the phase outcome as a failure even when the phase
// body itself reports a pass.
type Measurement struct {
	name     string
	units    string
	hasRange bool
	min, max float64
}

// NewMeasurement declares a measurement with the given name.
func NewMeasurement(name string) Measurement {
	return Measurement{name: name}
}

// WithUnits attaches display units to the declaration.
func (m Measurement) WithUnits(units string) Measurement {
	m.units = units
	return m
}

// InRange attaches inclusive numeric limits to the declaration.
func (m Measurement) InRange(min, max float64) Measurement {
	m.hasRange = true
	m.min = min
	m.max = max
	return m
}

// Name returns the declared measurement name.
func (m Measurement) Name() string { return m.name }

// validate evaluates a recorded value against the declaration.
func (m Measurement) validate(value float64) types.Measurement {
	out := types.Measurement{
		Name:    m.name,
		Value:   value,
		Units:   m.units,
		Outcome: types.MeasurementUnvalidated,
	}
	if !m.hasRange {
		return out
	}
	min, max := m.min, m.max
	out.Minimum = &min
	out.Maximum = &max
	if value < m.min || value > m.max {
		out.Outcome = types.MeasurementFail
	} else {
		out.Outcome = types.MeasurementPass
	}
	return out
}
