package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestSession_Fields(t *testing.T) {
	typ := reflect.TypeOf(Session{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "TenantID", "index")
	assertGormTag(t, typ, "Status", "default:DISCONNECTED")
	assertGormTag(t, typ, "Status", "index")

	assertFieldType(t, typ, "ID", "string")
	assertFieldType(t, typ, "AgentID", "*uint")
}

func TestSessionCredential_UniqueKey(t *testing.T) {
	typ := reflect.TypeOf(SessionCredential{})

	for _, f := range []string{"SessionID", "KeyType", "KeyID"} {
		assertGormTag(t, typ, f, "uniqueIndex:idx_session_key")
	}
	assertFieldType(t, typ, "Value", "[]uint8")
}

func TestCustomer_UniqueTenantPhone(t *testing.T) {
	typ := reflect.TypeOf(Customer{})

	assertGormTag(t, typ, "TenantID", "uniqueIndex:idx_tenant_phone")
	assertGormTag(t, typ, "Phone", "uniqueIndex:idx_tenant_phone")
}

func TestMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "ExternalID", "uniqueIndex:idx_tenant_external")
	assertGormTag(t, typ, "TenantID", "uniqueIndex:idx_tenant_external")
	assertGormTag(t, typ, "CustomerID", "index:idx_thread")

	assertFieldType(t, typ, "ExternalID", "*string")
	assertFieldType(t, typ, "CreatedAt", "time.Time")
}

func TestAppointment_Fields(t *testing.T) {
	typ := reflect.TypeOf(Appointment{})

	assertGormTag(t, typ, "Status", "default:SCHEDULED")
	assertGormTag(t, typ, "StartsAt", "index:idx_tenant_start")
	assertGormTag(t, typ, "Service", "foreignKey:ServiceID")

	assertFieldType(t, typ, "ReminderSentAt", "*time.Time")
}

func TestStatusValues(t *testing.T) {
	want := map[string]string{
		StatusStarting:     "STARTING",
		StatusQRCode:       "QRCODE",
		StatusConnected:    "CONNECTED",
		StatusDisconnected: "DISCONNECTED",
	}
	for got, w := range want {
		if got != w {
			t.Errorf("status = %q, want %q", got, w)
		}
	}
}
