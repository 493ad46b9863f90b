// Package match implements the device-record matcher (C3): deciding
// which discovered endpoints a firmware package's device records apply
// to, and optionally narrowing applicable components by a target-name
// filter, per spec §4.3.
package match

import (
	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
)

// ComponentIdentity is the (classification, identifier) pair a target
// name resolves to for a given endpoint, used only to build compTargets.
type ComponentIdentity struct {
	Classification uint16
	Identifier     uint16
}

// EndpointDescriptors is what the discovery layer publishes: the set of
// descriptors an endpoint advertises, and a name lookup for its
// components (used only when a target filter is supplied).
type EndpointDescriptors struct {
	Descriptors    []pkgformat.Descriptor
	ComponentNames map[ComponentIdentity]string
}

// DescriptorMap maps endpoint -> what it advertises.
type DescriptorMap map[uint8]EndpointDescriptors

// MatchedDevice is one (endpoint, record) pairing the matcher emits.
type MatchedDevice struct {
	Endpoint             uint8
	RecordIndex          int
	ApplicableComponents []int
}

// Match runs the algorithm in spec §4.3. targets, if non-empty, restricts
// matched devices to components whose published name appears in it.
// components is the package's component-image table, used to resolve a
// component-table index to the identity compTargets is keyed on.
func Match(records []pkgformat.DeviceRecord, components []pkgformat.ComponentImage, descMap DescriptorMap, targets []string) ([]MatchedDevice, int) {
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}
	hasTargets := len(targetSet) > 0

	var out []MatchedDevice
	total := 0

	for recordIdx, rec := range records {
		for endpoint, ep := range descMap {
			if !descriptorsSubset(rec.Descriptors, ep.Descriptors) {
				continue
			}

			if !hasTargets {
				out = append(out, MatchedDevice{
					Endpoint:             endpoint,
					RecordIndex:          recordIdx,
					ApplicableComponents: rec.ApplicableComponents,
				})
				total += len(rec.ApplicableComponents)
				continue
			}

			compTargets := componentTargetsFor(ep, targetSet)
			if compTargets == nil {
				continue
			}
			filtered := intersectByIdentity(rec.ApplicableComponents, components, compTargets)
			if len(filtered) == 0 {
				continue
			}
			out = append(out, MatchedDevice{
				Endpoint:             endpoint,
				RecordIndex:          recordIdx,
				ApplicableComponents: filtered,
			})
			total += len(filtered)
		}
	}

	return out, total
}

// descriptorsSubset reports whether every descriptor in need is present
// (same type and value) in have.
func descriptorsSubset(need, have []pkgformat.Descriptor) bool {
	for _, n := range need {
		found := false
		for _, h := range have {
			if n.Type == h.Type && bytesEqual(n.Value, h.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// componentTargetsFor derives the set of component-table indices (here
// represented by identity, resolved by caller elsewhere) whose published
// name is in targetSet. Returns nil if the endpoint has no matching
// component at all, to distinguish "not defined" from "defined empty".
func componentTargetsFor(ep EndpointDescriptors, targetSet map[string]bool) map[ComponentIdentity]bool {
	var result map[ComponentIdentity]bool
	for id, name := range ep.ComponentNames {
		if targetSet[name] {
			if result == nil {
				result = make(map[ComponentIdentity]bool)
			}
			result[id] = true
		}
	}
	return result
}

// intersectByIdentity narrows applicable component indices down to those
// whose (classification, identifier) identity is present in compTargets.
func intersectByIdentity(applicable []int, components []pkgformat.ComponentImage, compTargets map[ComponentIdentity]bool) []int {
	var out []int
	for _, idx := range applicable {
		if idx < 0 || idx >= len(components) {
			continue
		}
		c := components[idx]
		id := ComponentIdentity{Classification: c.Classification, Identifier: c.Identifier}
		if compTargets[id] {
			out = append(out, idx)
		}
	}
	return out
}
