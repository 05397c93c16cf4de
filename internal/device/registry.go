package device

import (
	"fmt"
	"strings"
)

// Record maps a bus group address to the messaging identity of one device.
type Record struct {
	// GroupAddress is the bus group address in "top/sub/group" form.
	GroupAddress string `yaml:"address" json:"address"`

	// Name is the logical device name, unique key for inbound commands.
	Name string `yaml:"name" json:"name"`

	// Category is the event category (topic "type" segment).
	Category string `yaml:"category" json:"category"`

	// Measurement is the measurement type (topic "evt" segment).
	Measurement string `yaml:"measurement" json:"measurement"`
}

// String returns the record in the DEVICE line form.
func (r Record) String() string {
	return fmt.Sprintf("%s %s %s %s", r.GroupAddress, r.Name, r.Category, r.Measurement)
}

// Validate checks that the record can form a topic and a lookup key.
//
// Returns:
//   - error: ErrInvalidAddress or ErrInvalidName wrapped in ErrInvalidDevice
func (r Record) Validate() error {
	if strings.TrimSpace(r.GroupAddress) == "" {
		return fmt.Errorf("%w: %w: empty group address", ErrInvalidDevice, ErrInvalidAddress)
	}
	fields := []struct{ name, value string }{
		{"name", r.Name},
		{"category", r.Category},
		{"measurement", r.Measurement},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %w: empty %s", ErrInvalidDevice, ErrInvalidName, f.name)
		}
		if strings.ContainsAny(f.value, "/+#") {
			return fmt.Errorf("%w: %w: %s %q contains a topic separator or wildcard", ErrInvalidDevice, ErrInvalidName, f.name, f.value)
		}
	}
	return nil
}

// Registry is an ordered, read-only collection of device records with
// derived lookup indexes.
type Registry struct {
	records   []Record
	byAddress map[string]int
	byName    map[string]int
	normalize func(string) string
}

// Option configures a Registry.
type Option func(*Registry)

// WithAddressNormalizer sets the function that maps configured and looked-up
// group addresses to a canonical key. The default trims whitespace.
func WithAddressNormalizer(fn func(string) string) Option {
	return func(r *Registry) {
		if fn != nil {
			r.normalize = fn
		}
	}
}

// NewRegistry builds a registry from records in configuration-file order.
//
// The slice is copied. On duplicate group addresses or names the later record
// wins.
func NewRegistry(records []Record, opts ...Option) *Registry {
	r := &Registry{
		records:   make([]Record, len(records)),
		byAddress: make(map[string]int, len(records)),
		byName:    make(map[string]int, len(records)),
		normalize: strings.TrimSpace,
	}
	for _, opt := range opts {
		opt(r)
	}

	copy(r.records, records)
	for i, rec := range r.records {
		// Later entries overwrite earlier ones.
		r.byAddress[r.normalize(rec.GroupAddress)] = i
		r.byName[rec.Name] = i
	}

	return r
}

// FindByGroupAddress returns the record for a bus group address.
//
// Returns:
//   - Record: the matching record
//   - error: ErrDeviceNotFound if no record matches
func (r *Registry) FindByGroupAddress(addr string) (Record, error) {
	i, ok := r.byAddress[r.normalize(addr)]
	if !ok {
		return Record{}, fmt.Errorf("%w: group address %q", ErrDeviceNotFound, addr)
	}
	return r.records[i], nil
}

// FindByName returns the record for a logical device name.
// Names are compared exactly.
//
// Returns:
//   - Record: the matching record
//   - error: ErrDeviceNotFound if no record matches
func (r *Registry) FindByName(name string) (Record, error) {
	i, ok := r.byName[name]
	if !ok {
		return Record{}, fmt.Errorf("%w: name %q", ErrDeviceNotFound, name)
	}
	return r.records[i], nil
}

// Len returns the number of configured records, duplicates included.
func (r *Registry) Len() int {
	return len(r.records)
}

// Records returns a copy of the records in configuration order.
func (r *Registry) Records() []Record {
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
