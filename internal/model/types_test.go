package model

import (
	"encoding/json"
	"testing"
)

func TestUserID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    UserID
		wantErr bool
	}{
		{name: "number", input: `42`, want: "42"},
		{name: "string", input: `"u-42"`, want: "u-42"},
		{name: "null", input: `null`, want: ""},
		{name: "object", input: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got UserID
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("UserID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActiveUsersUpdated_MixedIDs(t *testing.T) {
	var evt ActiveUsersUpdated
	data := `{"roomId":"r1","activeUserIds":[1,"2",3],"activeUserCount":3}`
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	want := []UserID{"1", "2", "3"}
	if len(evt.ActiveUserIDs) != len(want) {
		t.Fatalf("ActiveUserIDs = %v, want %v", evt.ActiveUserIDs, want)
	}
	for i := range want {
		if evt.ActiveUserIDs[i] != want[i] {
			t.Errorf("ActiveUserIDs[%d] = %q, want %q", i, evt.ActiveUserIDs[i], want[i])
		}
	}
}

func TestRoomRemoved_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bare string", input: `"room-1"`, want: "room-1"},
		{name: "object", input: `{"roomId":"room-2"}`, want: "room-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RoomRemoved
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got.RoomID != tt.want {
				t.Errorf("RoomID = %q, want %q", got.RoomID, tt.want)
			}
		})
	}
}

func TestSendMessageRequest_MarshalJSON(t *testing.T) {
	req := SendMessageRequest{
		RoomID:   "r1",
		Text:     "hello",
		DeviceID: "dev-1",
		Extra:    map[string]any{"replyTo": "m9", "roomId": "ignored"},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if got["roomId"] != "r1" {
		t.Errorf("roomId = %v, want %q", got["roomId"], "r1")
	}
	if got["replyTo"] != "m9" {
		t.Errorf("replyTo = %v, want %q", got["replyTo"], "m9")
	}
	if got["deviceId"] != "dev-1" {
		t.Errorf("deviceId = %v, want %q", got["deviceId"], "dev-1")
	}
}

func TestSendStreamMessageRequest_MarshalJSON(t *testing.T) {
	req := SendStreamMessageRequest{
		DeviceID:    "dev-1",
		RoomID:      "r1",
		MessageCode: "stream_abc",
		Message:     "hi",
		Timestamp:   1700000000000,
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got["messageCode"] != "stream_abc" {
		t.Errorf("messageCode = %v, want %q", got["messageCode"], "stream_abc")
	}
	if got["timestamp"] != float64(1700000000000) {
		t.Errorf("timestamp = %v, want %v", got["timestamp"], 1700000000000)
	}
}
