package llm

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Tool names exposed to the model.
const (
	ToolCreateAppointment     = "create_appointment"
	ToolListAppointments      = "list_appointments"
	ToolCancelAppointment     = "cancel_appointment"
	ToolRescheduleAppointment = "reschedule_appointment"
)

var (
	// ErrUnknownTool is returned for a tool name outside the fixed set.
	ErrUnknownTool = errors.New("llm: unknown tool")
	// ErrToolArguments is returned when arguments are missing or malformed.
	ErrToolArguments = errors.New("llm: invalid tool arguments")
)

// ToolCall is a decoded tool request. Implementations: CreateAppointment,
// ListAppointments, CancelAppointment, RescheduleAppointment.
type ToolCall interface {
	ToolName() string
	isToolCall()
}

// CreateAppointment books a service for the calling customer.
type CreateAppointment struct {
	ServiceID uint      `mapstructure:"service_id"`
	StartsAt  time.Time `mapstructure:"starts_at"`
	Notes     string    `mapstructure:"notes"`
}

// ListAppointments lists the calling customer's upcoming appointments.
type ListAppointments struct{}

// CancelAppointment cancels one of the calling customer's appointments.
type CancelAppointment struct {
	AppointmentID uint `mapstructure:"appointment_id"`
}

// RescheduleAppointment moves one of the calling customer's appointments.
type RescheduleAppointment struct {
	AppointmentID uint      `mapstructure:"appointment_id"`
	StartsAt      time.Time `mapstructure:"starts_at"`
}

func (CreateAppointment) ToolName() string     { return ToolCreateAppointment }
func (ListAppointments) ToolName() string      { return ToolListAppointments }
func (CancelAppointment) ToolName() string     { return ToolCancelAppointment }
func (RescheduleAppointment) ToolName() string { return ToolRescheduleAppointment }

func (CreateAppointment) isToolCall()     {}
func (ListAppointments) isToolCall()      {}
func (CancelAppointment) isToolCall()     {}
func (RescheduleAppointment) isToolCall() {}

// DecodeToolCall turns a raw invocation into a typed ToolCall. Times are
// parsed in loc when the model omits an offset.
func DecodeToolCall(inv Invocation, loc *time.Location) (ToolCall, error) {
	args := map[string]interface{}{}
	if inv.Arguments != "" {
		if err := json.Unmarshal([]byte(inv.Arguments), &args); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolArguments, inv.Name, err)
		}
	}

	switch inv.Name {
	case ToolCreateAppointment:
		var c CreateAppointment
		if err := decodeArgs(args, &c, loc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolArguments, inv.Name, err)
		}
		if c.ServiceID == 0 || c.StartsAt.IsZero() {
			return nil, fmt.Errorf("%w: %s: service_id and starts_at are required", ErrToolArguments, inv.Name)
		}
		return c, nil
	case ToolListAppointments:
		return ListAppointments{}, nil
	case ToolCancelAppointment:
		var c CancelAppointment
		if err := decodeArgs(args, &c, loc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolArguments, inv.Name, err)
		}
		if c.AppointmentID == 0 {
			return nil, fmt.Errorf("%w: %s: appointment_id is required", ErrToolArguments, inv.Name)
		}
		return c, nil
	case ToolRescheduleAppointment:
		var c RescheduleAppointment
		if err := decodeArgs(args, &c, loc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolArguments, inv.Name, err)
		}
		if c.AppointmentID == 0 || c.StartsAt.IsZero() {
			return nil, fmt.Errorf("%w: %s: appointment_id and starts_at are required", ErrToolArguments, inv.Name)
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTool, inv.Name)
}

func decodeArgs(args map[string]interface{}, out interface{}, loc *time.Location) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       timeHook(loc),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(args)
}

// timeLayouts are tried in order; the last three have no offset.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func timeHook(loc *time.Location) mapstructure.DecodeHookFuncType {
	if loc == nil {
		loc = time.Local
	}
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Time{}) {
			return data, nil
		}
		s := data.(string)
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("unrecognised time %q", s)
	}
}

// Tool describes a function the model may call.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{} // JSON schema
}

// AppointmentTools returns the schema of the four appointment tools.
func AppointmentTools() []Tool {
	startsAt := map[string]interface{}{
		"type":        "string",
		"description": "Start time in ISO 8601, e.g. 2025-03-14T15:00:00-03:00",
	}
	appointmentID := map[string]interface{}{
		"type":        "integer",
		"description": "Appointment id as returned by list_appointments",
	}
	return []Tool{
		{
			Name:        ToolCreateAppointment,
			Description: "Book a service for the customer at a given start time.",
			Parameters: object(map[string]interface{}{
				"service_id": map[string]interface{}{"type": "integer", "description": "Id of the service from the catalog"},
				"starts_at":  startsAt,
				"notes":      map[string]interface{}{"type": "string"},
			}, "service_id", "starts_at"),
		},
		{
			Name:        ToolListAppointments,
			Description: "List the customer's upcoming appointments.",
			Parameters:  object(map[string]interface{}{}),
		},
		{
			Name:        ToolCancelAppointment,
			Description: "Cancel one of the customer's appointments.",
			Parameters: object(map[string]interface{}{
				"appointment_id": appointmentID,
			}, "appointment_id"),
		},
		{
			Name:        ToolRescheduleAppointment,
			Description: "Move one of the customer's appointments to a new start time.",
			Parameters: object(map[string]interface{}{
				"appointment_id": appointmentID,
				"starts_at":      startsAt,
			}, "appointment_id", "starts_at"),
		},
	}
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
