package script

import (
	"fmt"

	"github.com/shaunagostinho/canlink/internal/can"
)

// IDs are the bus identifiers the sequences are sent to and answered on.
type IDs struct {
	VehicleRequest  uint32 `yaml:"vehicle_request" json:"vehicleRequest"`
	VehicleResponse uint32 `yaml:"vehicle_response" json:"vehicleResponse"`
	ColumnRequest   uint32 `yaml:"column_request" json:"columnRequest"`
	ColumnResponse  uint32 `yaml:"column_response" json:"columnResponse"`
	Write           uint32 `yaml:"write" json:"write"`
	Null            uint32 `yaml:"null" json:"null"`
}

// DefaultIDs returns the identifiers used by the supported ECU family.
func DefaultIDs() IDs {
	return IDs{
		VehicleRequest:  0x7E0,
		VehicleResponse: 0x7E8,
		ColumnRequest:   0x74A,
		ColumnResponse:  0x76A,
		Write:           0x742,
		Null:            0x700,
	}
}

// Validate rejects identifiers that do not fit in 11 bits.
func (ids IDs) Validate() error {
	for name, id := range map[string]uint32{
		"vehicle_request":  ids.VehicleRequest,
		"vehicle_response": ids.VehicleResponse,
		"column_request":   ids.ColumnRequest,
		"column_response":  ids.ColumnResponse,
		"write":            ids.Write,
		"null":             ids.Null,
	} {
		if id > can.MaxStandardID {
			return fmt.Errorf("ids.%s: 0x%X is not an 11-bit identifier", name, id)
		}
	}
	return nil
}
