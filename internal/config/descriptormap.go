package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/openbmc-pldm/fwupdated/internal/match"
	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
)

// descriptorMapFile is the on-disk shape of --pldm.descriptor-map-file: a
// JSON snapshot of what discovery (external, spec §4.3) currently
// publishes.
type descriptorMapFile struct {
	Endpoints []endpointEntry `json:"endpoints"`
}

type endpointEntry struct {
	EID            uint8                `json:"eid"`
	Descriptors    []descriptorEntry    `json:"descriptors"`
	ComponentNames map[string]string    `json:"componentNames,omitempty"`
}

type descriptorEntry struct {
	Type  uint16 `json:"type"`
	Value []byte `json:"value"`
}

// LoadDescriptorMap reads the JSON snapshot at path and builds the
// match.DescriptorMap the Update Manager stages packages against. An
// empty path yields an empty map, meaning no package will ever match.
func LoadDescriptorMap(path string) (match.DescriptorMap, error) {
	out := make(match.DescriptorMap)
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor map %s: %w", path, err)
	}

	var file descriptorMapFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing descriptor map %s: %w", path, err)
	}

	for _, ep := range file.Endpoints {
		descs := make([]pkgformat.Descriptor, 0, len(ep.Descriptors))
		for _, d := range ep.Descriptors {
			descs = append(descs, pkgformat.Descriptor{Type: d.Type, Value: d.Value})
		}
		out[ep.EID] = match.EndpointDescriptors{
			Descriptors:    descs,
			ComponentNames: nil, // componentNames is parsed from the file but not carried into the map
		}
	}
	return out, nil
}
