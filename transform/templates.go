package transform

import "encoding/json"

// Built-in template names.
const (
	SystemInsite  = "insite"
	SystemHDC     = "hdc"
	SystemBEMS    = "bems"
	SystemGeneric = "generic"
)

var (
	insiteTemplate = json.RawMessage(`{
		"controlpoint": "{{target_field_name}}",
		"description": "{{target_description}}",
		"value": "{{converted_value}}",
		"time": "{{timestamp_iso8601}}",
		"status": "{{alarm_status}}"
	}`)

	hdcTemplate = json.RawMessage(`{
		"building_id": "{{building_id}}",
		"point_id": "{{target_field_name}}",
		"data": {
			"value": "{{converted_value}}",
			"timestamp": "{{timestamp_unix_ms}}"
		},
		"metadata": {
			"description": "{{target_description}}",
			"alarm_status": "{{alarm_status}}"
		}
	}`)

	bemsTemplate = json.RawMessage(`{
		"buildingId": "{{building_id}}",
		"sensorName": "{{target_field_name}}",
		"sensorValue": "{{converted_value}}",
		"timestamp": "{{timestamp_iso8601}}",
		"alarmLevel": "{{alarm_status}}"
	}`)

	genericTemplate = json.RawMessage(`{
		"building_id": "{{building_id}}",
		"point_name": "{{point_name}}",
		"value": "{{value}}",
		"converted_value": "{{converted_value}}",
		"timestamp": "{{timestamp_iso8601}}",
		"alarm_status": "{{alarm_status}}",
		"source": "exportgate"
	}`)
)

// DefaultTemplate returns the built-in template for a downstream system
// family. Unknown system types get the generic shape, so a target without a
// stored template always has something renderable.
func DefaultTemplate(systemType string) json.RawMessage {
	switch systemType {
	case SystemInsite:
		return insiteTemplate
	case SystemHDC:
		return hdcTemplate
	case SystemBEMS:
		return bemsTemplate
	default:
		return genericTemplate
	}
}
