package llm

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeToolCall_Create(t *testing.T) {
	call, err := DecodeToolCall(Invocation{
		Name:      ToolCreateAppointment,
		Arguments: `{"service_id": 3, "starts_at": "2030-05-10T14:00:00-03:00", "notes": "beard too"}`,
	}, time.UTC)
	if err != nil {
		t.Fatalf("DecodeToolCall: %v", err)
	}
	c, ok := call.(CreateAppointment)
	if !ok {
		t.Fatalf("call type = %T, want CreateAppointment", call)
	}
	if c.ServiceID != 3 {
		t.Errorf("ServiceID = %d, want 3", c.ServiceID)
	}
	want := time.Date(2030, 5, 10, 17, 0, 0, 0, time.UTC)
	if !c.StartsAt.Equal(want) {
		t.Errorf("StartsAt = %v, want %v", c.StartsAt, want)
	}
	if c.Notes != "beard too" {
		t.Errorf("Notes = %q, want %q", c.Notes, "beard too")
	}
}

func TestDecodeToolCall_WeakTypesAndLocalTime(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	call, err := DecodeToolCall(Invocation{
		Name:      ToolRescheduleAppointment,
		Arguments: `{"appointment_id": "42", "starts_at": "2030-05-10 09:30"}`,
	}, loc)
	if err != nil {
		t.Fatalf("DecodeToolCall: %v", err)
	}
	r := call.(RescheduleAppointment)
	if r.AppointmentID != 42 {
		t.Errorf("AppointmentID = %d, want 42", r.AppointmentID)
	}
	want := time.Date(2030, 5, 10, 9, 30, 0, 0, loc)
	if !r.StartsAt.Equal(want) {
		t.Errorf("StartsAt = %v, want %v", r.StartsAt, want)
	}
}

func TestDecodeToolCall_ListAndCancel(t *testing.T) {
	call, err := DecodeToolCall(Invocation{Name: ToolListAppointments}, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if call.ToolName() != ToolListAppointments {
		t.Errorf("ToolName() = %q, want %q", call.ToolName(), ToolListAppointments)
	}

	call, err = DecodeToolCall(Invocation{Name: ToolCancelAppointment, Arguments: `{"appointment_id": 7}`}, nil)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if c := call.(CancelAppointment); c.AppointmentID != 7 {
		t.Errorf("AppointmentID = %d, want 7", c.AppointmentID)
	}
}

func TestDecodeToolCall_Errors(t *testing.T) {
	tests := []struct {
		name string
		inv  Invocation
		want error
	}{
		{"unknown", Invocation{Name: "delete_everything"}, ErrUnknownTool},
		{"bad json", Invocation{Name: ToolCancelAppointment, Arguments: `{`}, ErrToolArguments},
		{"missing id", Invocation{Name: ToolCancelAppointment, Arguments: `{}`}, ErrToolArguments},
		{"missing start", Invocation{Name: ToolCreateAppointment, Arguments: `{"service_id": 1}`}, ErrToolArguments},
		{"bad time", Invocation{Name: ToolCreateAppointment, Arguments: `{"service_id": 1, "starts_at": "tomorrow"}`}, ErrToolArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeToolCall(tt.inv, time.UTC)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAppointmentTools(t *testing.T) {
	tools := AppointmentTools()
	if len(tools) != 4 {
		t.Fatalf("len(tools) = %d, want 4", len(tools))
	}
	names := map[string]bool{}
	for _, tool := range tools {
		names[tool.Name] = true
		if tool.Parameters["type"] != "object" {
			t.Errorf("%s parameters type = %v, want object", tool.Name, tool.Parameters["type"])
		}
	}
	for _, n := range []string{ToolCreateAppointment, ToolListAppointments, ToolCancelAppointment, ToolRescheduleAppointment} {
		if !names[n] {
			t.Errorf("tool %q missing", n)
		}
	}
}
