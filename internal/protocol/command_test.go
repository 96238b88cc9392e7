package protocol

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

var trialParams = ParameterSet{
	{Name: "odor", Index: 3, Format: FormatString, Width: 4, Value: "ab"},
	{Name: TrialNumberParam, Index: 1, Format: FormatInt32, Value: 7},
	{Name: "duration", Index: 2, Format: FormatInt16, Value: 500},
}

func TestEncodeStartTrial(t *testing.T) {
	got, err := EncodeStartTrial(trialParams, true)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'Z', 7, 0, 0, 0, 0xF4, 0x01, 'a', 'b', 0, 0}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("packed (-got +want):\n%s", diff)
	}

	got, err = EncodeStartTrial(trialParams, false)
	if err != nil {
		t.Fatal(err)
	}
	want = []byte{'Z', 0xF4, 0x01, 'a', 'b', 0, 0}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("packed without trial number (-got +want):\n%s", diff)
	}
}

func TestDecodeStartTrialInverse(t *testing.T) {
	for _, include := range []bool{true, false} {
		b, err := EncodeStartTrial(trialParams, include)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeStartTrial(b, trialParams, include)
		if err != nil {
			t.Fatal(err)
		}
		want := map[string]any{"duration": int16(500), "odor": "ab"}
		if include {
			want[TrialNumberParam] = int32(7)
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("include=%v (-got +want):\n%s", include, diff)
		}
	}
}

func TestEncodeStartTrialBadValue(t *testing.T) {
	ps := ParameterSet{{Name: "x", Index: 1, Format: FormatInt16, Value: "nope"}}
	if _, err := EncodeStartTrial(ps, true); err == nil {
		t.Error("expected error")
	}
}

func TestEncodeUserCommand(t *testing.T) {
	if diff := cmp.Diff(EncodeUserCommand("valve 3"), []byte("Vvalve 3\r")); diff != "" {
		t.Errorf("(-got +want):\n%s", diff)
	}
}

func TestParseAck(t *testing.T) {
	tests := []struct {
		line string
		code int
		ok   bool
	}{
		{"2,ok\r\n", 2, true},
		{"3", 3, true},
		{" 9,x", 9, true},
		{"", 0, false},
		{"abc", 0, false},
	}
	for _, tt := range tests {
		code, ok := ParseAck(tt.line)
		if code != tt.code || ok != tt.ok {
			t.Errorf("ParseAck(%q) = %d,%v want %d,%v", tt.line, code, ok, tt.code, tt.ok)
		}
	}
}

func TestParseProtocolName(t *testing.T) {
	name, ok := ParseProtocolName("6,PassiveOdor\r\n")
	if !ok || name != "PassiveOdor" {
		t.Errorf("got %q,%v", name, ok)
	}
	if _, ok := ParseProtocolName("2,PassiveOdor"); ok {
		t.Error("wrong code accepted")
	}
	if _, ok := ParseProtocolName("6"); ok {
		t.Error("missing name accepted")
	}
}
