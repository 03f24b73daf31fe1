package deeplink

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    Action
		wantErr bool
	}{
		{name: "start recording", raw: "murmur://startRecording", want: ActionStartRecording},
		{name: "return to host", raw: "murmur://returnToHost", want: ActionReturnToHost},
		{name: "case insensitive host", raw: "murmur://STARTRECORDING", want: ActionStartRecording},
		{name: "case insensitive scheme", raw: "MURMUR://returnToHost", want: ActionReturnToHost},
		{name: "wrong scheme", raw: "https://startRecording", wantErr: true},
		{name: "unknown host", raw: "murmur://stopRecording", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got action %s", tc.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("parse %q = %s, want %s", tc.raw, got, tc.want)
			}
		})
	}
}
