package message

import "testing"

func TestParseEncapsulatedComputesLengths(t *testing.T) {
	e, err := ParseEncapsulated("req-hdr=0, req-body=120")
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Entities) != 2 {
		t.Fatalf("got %d entities", len(e.Entities))
	}
	if e.Entities[0].Length != 120 {
		t.Errorf("req-hdr length = %d, want 120", e.Entities[0].Length)
	}
	if e.Entities[1].Kind != ReqBody {
		t.Errorf("second entity kind = %v", e.Entities[1].Kind)
	}
}

func TestParseEncapsulatedRejectsDecreasingOffsets(t *testing.T) {
	// "res-body=0, req-hdr=10" is not just semantically odd: offsets
	// must be non-decreasing and the shape validator must reject it.
	if _, err := ParseEncapsulated("res-body=0, req-hdr=10"); err == nil {
		t.Fatal("expected an error for decreasing offsets")
	}
}

func TestParseEncapsulatedRejectsBadShapes(t *testing.T) {
	cases := []string{
		"",
		"bogus-kind=0",
		"req-hdr=0, req-body=abc",
		"req-hdr=0, res-hdr=5, req-body=10, null-body=10", // > 3 entities
		"req-body=0, req-hdr=0",                           // body not last
	}
	for _, c := range cases {
		if _, err := ParseEncapsulated(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestValidateMethodShapes(t *testing.T) {
	tests := []struct {
		value      string
		method     Method
		isResponse bool
		wantOK     bool
	}{
		{"null-body=0", MethodOPTIONS, false, true},
		{"opt-body=0", MethodOPTIONS, false, true},
		{"req-hdr=0, null-body=0", MethodOPTIONS, false, false},

		{"req-hdr=0, req-body=50", MethodREQMOD, false, true},
		{"req-hdr=0, null-body=50", MethodREQMOD, false, true},
		{"res-hdr=0, res-body=50", MethodREQMOD, false, false},

		{"req-hdr=0, req-body=50", MethodREQMOD, true, true},
		{"res-hdr=0, res-body=50", MethodREQMOD, true, true},

		{"req-hdr=0, res-hdr=40, res-body=80", MethodRESPMOD, false, true},
		{"res-hdr=0, res-body=40", MethodRESPMOD, false, true},
		{"null-body=0", MethodRESPMOD, false, true},
		{"req-hdr=0, null-body=10", MethodRESPMOD, false, false},

		{"res-hdr=0, res-body=40", MethodRESPMOD, true, true},
		{"req-hdr=0, res-hdr=40, res-body=80", MethodRESPMOD, true, false},
	}
	for _, tc := range tests {
		e, err := ParseEncapsulated(tc.value)
		if err != nil {
			if tc.wantOK {
				t.Errorf("%q: unexpected parse error: %v", tc.value, err)
			}
			continue
		}
		err = e.Validate(tc.method, tc.isResponse)
		if (err == nil) != tc.wantOK {
			t.Errorf("%q method=%s response=%v: Validate err=%v, wantOK=%v", tc.value, tc.method, tc.isResponse, err, tc.wantOK)
		}
	}
}

func TestBuildRoundTripsOffsets(t *testing.T) {
	entities := []Entity{
		{Kind: ReqHdr, Length: 40},
		{Kind: ReqBody, Length: -1},
	}
	got := Build(entities)
	want := "req-hdr=0, req-body=40"
	if got != want {
		t.Errorf("Build = %q, want %q", got, want)
	}
}
