package match

import (
	"testing"

	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
)

func TestMatchNoTargetsEmitsVerbatim(t *testing.T) {
	records := []pkgformat.DeviceRecord{
		{
			Descriptors:          []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}},
			ApplicableComponents: []int{0, 1},
		},
	}
	components := []pkgformat.ComponentImage{
		{Classification: 10, Identifier: 1},
		{Classification: 10, Identifier: 2},
	}
	descMap := DescriptorMap{
		5: {Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}}},
	}

	matched, total := Match(records, components, descMap, nil)
	if len(matched) != 1 {
		t.Fatalf("len(matched) = %d", len(matched))
	}
	if matched[0].Endpoint != 5 || len(matched[0].ApplicableComponents) != 2 {
		t.Errorf("matched[0] = %+v", matched[0])
	}
	if total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
}

func TestMatchDescriptorSubsetRequired(t *testing.T) {
	records := []pkgformat.DeviceRecord{
		{Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}, {Type: 2, Value: []byte{0xBB}}}},
	}
	descMap := DescriptorMap{
		5: {Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}}}, // missing type 2
	}

	matched, _ := Match(records, nil, descMap, nil)
	if len(matched) != 0 {
		t.Fatalf("expected no match, got %+v", matched)
	}
}

func TestMatchWithTargetFilterIntersectsComponents(t *testing.T) {
	records := []pkgformat.DeviceRecord{
		{
			Descriptors:          []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}},
			ApplicableComponents: []int{0, 1},
		},
	}
	components := []pkgformat.ComponentImage{
		{Classification: 10, Identifier: 1},
		{Classification: 10, Identifier: 2},
	}
	descMap := DescriptorMap{
		5: {
			Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}},
			ComponentNames: map[ComponentIdentity]string{
				{Classification: 10, Identifier: 1}: "bios",
				{Classification: 10, Identifier: 2}: "bmc",
			},
		},
	}

	matched, total := Match(records, components, descMap, []string{"bmc"})
	if len(matched) != 1 {
		t.Fatalf("len(matched) = %d", len(matched))
	}
	if got := matched[0].ApplicableComponents; len(got) != 1 || got[0] != 1 {
		t.Errorf("ApplicableComponents = %v, want [1]", got)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestMatchTargetFilterDropsWhenNoComponentsSelected(t *testing.T) {
	records := []pkgformat.DeviceRecord{
		{
			Descriptors:          []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}},
			ApplicableComponents: []int{0},
		},
	}
	components := []pkgformat.ComponentImage{{Classification: 10, Identifier: 1}}
	descMap := DescriptorMap{
		5: {
			Descriptors:    []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}},
			ComponentNames: map[ComponentIdentity]string{{Classification: 10, Identifier: 1}: "bios"},
		},
	}

	matched, total := Match(records, components, descMap, []string{"nonexistent"})
	if len(matched) != 0 || total != 0 {
		t.Errorf("expected no matches, got matched=%+v total=%d", matched, total)
	}
}
