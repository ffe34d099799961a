package command

import (
	"fmt"
	"sort"
	"sync"
)

// Signal is the tag selecting which payload variant an envelope carries.
type Signal string

// Built-in signal tags.
const (
	SignalRoomMsg        Signal = "room_msg"
	SignalRecordCmd      Signal = "record_cmd"
	SignalProcessCmdList Signal = "process_cmd_list"
	SignalCallCmd        Signal = "call_cmd"
)

// Variant identifies a payload shape of the envelope union.
type Variant int

// Payload variants. VariantNone marks a pass-through envelope whose signal is not
// in the catalog.
const (
	VariantNone Variant = iota
	VariantRoomMessage
	VariantRecordCommand
	VariantProcessCommandList
	VariantCallCommand
)

// WireKey returns the JSON object key that carries the variant's payload.
func (v Variant) WireKey() string {
	switch v {
	case VariantRoomMessage:
		return "room_msg"
	case VariantRecordCommand:
		return "record_cmd"
	case VariantProcessCommandList:
		return "process_cmd_list"
	case VariantCallCommand:
		return "call_cmd"
	}
	return ""
}

func (v Variant) String() string {
	if k := v.WireKey(); k != "" {
		return k
	}
	return "none"
}

// PayloadVariants lists every variant that carries a payload, in wire order.
func PayloadVariants() []Variant {
	return []Variant{VariantRoomMessage, VariantRecordCommand, VariantProcessCommandList, VariantCallCommand}
}

// VariantForKey returns the variant whose payload travels under the wire key.
func VariantForKey(key string) (Variant, bool) {
	for _, v := range PayloadVariants() {
		if v.WireKey() == key {
			return v, true
		}
	}
	return VariantNone, false
}

// Catalog maps signal tags to the payload variant they must carry.
// All methods are safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	signals map[Signal]Variant
}

// NewCatalog creates a Catalog from the given tag → variant table.
//
// Precondition: every tag is non-empty and every variant carries a payload.
// Postcondition: Returns a Catalog or an error on an invalid entry.
func NewCatalog(entries map[Signal]Variant) (*Catalog, error) {
	c := &Catalog{signals: make(map[Signal]Variant, len(entries))}
	for sig, v := range entries {
		if err := c.Register(sig, v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultCatalog creates a Catalog holding the four built-in signals.
//
// Postcondition: Returns a Catalog where each built-in tag maps to its same-named variant.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(map[Signal]Variant{
		SignalRoomMsg:        VariantRoomMessage,
		SignalRecordCmd:      VariantRecordCommand,
		SignalProcessCmdList: VariantProcessCommandList,
		SignalCallCmd:        VariantCallCommand,
	})
	if err != nil {
		panic(fmt.Sprintf("building default catalog: %v", err))
	}
	return c
}

// Register adds a signal tag carrying the given variant. Several tags may share a
// variant; a tag may be registered only once.
//
// Precondition: sig must be non-empty; v must not be VariantNone.
// Postcondition: sig resolves to v, or an error is returned and the catalog is unchanged.
func (c *Catalog) Register(sig Signal, v Variant) error {
	if sig == "" {
		return fmt.Errorf("registering signal: empty tag")
	}
	if v.WireKey() == "" {
		return fmt.Errorf("registering signal %q: variant %d carries no payload", sig, v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.signals[sig]; ok {
		return fmt.Errorf("duplicate signal %q: already carries %s", sig, existing)
	}
	c.signals[sig] = v
	return nil
}

// Lookup returns the variant registered for sig.
//
// Postcondition: Returns (variant, true) if sig is known, or (VariantNone, false).
func (c *Catalog) Lookup(sig Signal) (Variant, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.signals[sig]
	return v, ok
}

// Signals returns all registered tags sorted lexically.
func (c *Catalog) Signals() []Signal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Signal, 0, len(c.signals))
	for sig := range c.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
