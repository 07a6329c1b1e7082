package serieskey

import (
	"errors"
	"testing"

	"telewindow/internal/model"
)

func TestRoundTrip(t *testing.T) {
	cases := []model.SeriesKey{
		{AttributeKey: "temp", DeviceID: "dev1", Label: "Temp"},
		{AttributeKey: "", DeviceID: "", Label: ""},
		{AttributeKey: "a-b", DeviceID: "9f1c-22", Label: "Label with spaces"},
		{AttributeKey: "x -y", DeviceID: "d", Label: "l"},
	}
	for _, k := range cases {
		s := EncodeKey(k)
		got, err := Decode(s)
		if err != nil {
			t.Fatalf("decode %q: %v", s, err)
		}
		if got != k {
			t.Fatalf("round trip mismatch: %+v != %+v", got, k)
		}
		if EncodeKey(got) != s {
			t.Fatalf("encode(decode(%q)) = %q", s, EncodeKey(got))
		}
	}
}

func TestEncodeFormat(t *testing.T) {
	if got := Encode("temp", "dev1", "Temp"); got != "temp - dev1 - Temp" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, s := range []string{"", "temp", "temp - dev1", "temp-dev1-Temp"} {
		_, err := Decode(s)
		var mk *MalformedKeyError
		if !errors.As(err, &mk) {
			t.Fatalf("expected MalformedKeyError for %q, got %v", s, err)
		}
		if mk.Key != s {
			t.Fatalf("error key %q != %q", mk.Key, s)
		}
	}
}

func TestDecodeAmbiguousJoinsMiddle(t *testing.T) {
	got, err := Decode("temp - dev - 1 - Temp")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := model.SeriesKey{AttributeKey: "temp", DeviceID: "dev - 1", Label: "Temp"}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}
