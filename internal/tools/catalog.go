package tools

// Definition is a catalog entry: the schema offered to the model plus
// the executor descriptor that backs it. The registry resolves the
// descriptor and filters entries by configuration.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      bool
	Executor    Descriptor
}

// Catalog tool names.
const (
	ToolExecuteServices  = "execute_services"
	ToolEnergyStatistics = "get_energy_statistic_ids"
	ToolGetStatistics    = "get_statistics"
	ToolAddAutomation    = "add_automation"
	ToolCreateEvent      = "create_event"
	ToolGetEvents        = "get_events"
	ToolGetAttributes    = "get_attributes"
	ToolGetAutomation    = "get_automation"
	ToolAdjustAutomation = "adjust_automation"
)

// Native operation names the host must provide for the catalog.
const (
	NativeExecuteService   = "execute_service"
	NativeGetEnergy        = "get_energy"
	NativeGetStatistics    = "get_statistics"
	NativeAddAutomation    = "add_automation"
	NativeGetAutomation    = "get_automation"
	NativeAdjustAutomation = "adjust_automation"
)

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Builtins returns the energy-management tool catalog. calendarEntity
// is the calendar that create_event and get_events operate on.
func Builtins(calendarEntity string) []Definition {
	return []Definition{
		{
			Name:        ToolExecuteServices,
			Description: "Execute energy management services for smart devices, HVAC systems, solar panels, and battery storage. Focus on energy efficiency and cost optimization.",
			Parameters: object(map[string]any{
				"list": map[string]any{
					"type": "array",
					"items": object(map[string]any{
						"domain":  str("The domain of the energy-related service"),
						"service": str("The energy management service to be called"),
						// service_data accepts extra keys (brightness,
						// temperature, ...) beyond the entity id.
						"service_data": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"entity_id": str("The entity_id of the energy device. Must start with domain, followed by dot character."),
							},
							"required": []string{"entity_id"},
						},
					}, "domain", "service", "service_data"),
				},
			}, "list"),
			Executor: Descriptor{Type: "native", Name: NativeExecuteService},
		},
		{
			Name:        ToolEnergyStatistics,
			Description: "Get energy statistic IDs for analysis and monitoring",
			Parameters:  object(map[string]any{}),
			Strict:      true,
			Executor:    Descriptor{Type: "native", Name: NativeGetEnergy},
		},
		{
			Name:        ToolGetStatistics,
			Description: "Get energy statistics for specified time periods and devices",
			Parameters: object(map[string]any{
				"start_time": str("The start datetime"),
				"end_time":   str("The end datetime"),
				"statistic_ids": map[string]any{
					"type":  "array",
					"items": str("The statistic IDs"),
				},
				"period": map[string]any{
					"type":        "string",
					"description": "The period",
					"enum":        []string{"day", "week", "month"},
				},
			}, "start_time", "end_time", "statistic_ids", "period"),
			Strict:   true,
			Executor: Descriptor{Type: "native", Name: NativeGetStatistics},
		},
		{
			Name:        ToolAddAutomation,
			Description: "Add energy-saving automation to Home Assistant",
			Parameters: object(map[string]any{
				"automation_config": str("A configuration for automation in valid YAML format. Use \\n for line breaks."),
			}, "automation_config"),
			Strict:   true,
			Executor: Descriptor{Type: "native", Name: NativeAddAutomation},
		},
		{
			Name:        ToolCreateEvent,
			Description: "Create calendar events for energy management scheduling",
			Parameters: object(map[string]any{
				"summary":         str("Event summary or subject"),
				"start_date_time": str("Event start date and time in ISO format (YYYY-MM-DDTHH:MM:SS)"),
				"end_date_time":   str("Event end date and time in ISO format (YYYY-MM-DDTHH:MM:SS)"),
			}, "summary", "start_date_time", "end_date_time"),
			Strict: true,
			Executor: Descriptor{Type: "script", Sequence: []ScriptStep{{
				Service: "calendar.create_event",
				Target:  calendarEntity,
				Data: map[string]any{
					"summary":         "{{ summary }}",
					"start_date_time": "{{ start_date_time }}",
					"end_date_time":   "{{ end_date_time }}",
				},
			}}},
		},
		{
			Name:        ToolGetEvents,
			Description: "Get calendar events for energy management scheduling",
			Parameters: object(map[string]any{
				"start_date_time": str("Start date time in '%Y-%m-%dT%H:%M:%S%z' format"),
				"end_date_time":   str("End date time in '%Y-%m-%dT%H:%M:%S%z' format"),
			}, "start_date_time", "end_date_time"),
			Strict: true,
			Executor: Descriptor{Type: "script", Sequence: []ScriptStep{{
				Service: "calendar.get_events",
				Target:  calendarEntity,
				Data: map[string]any{
					"start_date_time": "{{ start_date_time }}",
					"end_date_time":   "{{ end_date_time }}",
				},
				ReturnResponse: true,
			}}},
		},
		{
			Name:        ToolGetAttributes,
			Description: "Get detailed attributes of Home Assistant energy entities",
			Parameters: object(map[string]any{
				"entity_id": str("The entity ID to get attributes for"),
			}, "entity_id"),
			Strict:   true,
			Executor: Descriptor{Type: "template", ValueTemplate: "{{ states[entity_id] }}"},
		},
		{
			Name:        ToolGetAutomation,
			Description: "Retrieve existing Home Assistant automations and their configurations",
			Parameters: object(map[string]any{
				"automation_id": str("Optional specific automation entity ID to retrieve (e.g., 'automation.energy_saver'). If not provided, returns all automations."),
			}),
			Executor: Descriptor{Type: "native", Name: NativeGetAutomation},
		},
		{
			Name:        ToolAdjustAutomation,
			Description: "Modify, enable, disable, or delete existing Home Assistant automations",
			Parameters: object(map[string]any{
				"automation_id": str("The automation entity ID to modify (e.g., 'automation.energy_saver')"),
				"action": map[string]any{
					"type":        "string",
					"description": "Action to perform on the automation",
					"enum":        []string{"enable", "disable", "delete", "update"},
				},
				"new_config": str("New automation configuration in YAML format (required for 'update' action)"),
			}, "automation_id", "action"),
			Executor: Descriptor{Type: "native", Name: NativeAdjustAutomation},
		},
	}
}
