package models

import (
	"testing"
)

func TestDetailsValue(t *testing.T) {
	v, err := Details(nil).Value()
	if err != nil {
		t.Fatal(err)
	}
	if string(v.([]byte)) != "{}" {
		t.Fatalf("nil details = %s, want {}", v)
	}

	v, err = Details{"status": "degraded"}.Value()
	if err != nil {
		t.Fatal(err)
	}
	if string(v.([]byte)) != `{"status":"degraded"}` {
		t.Fatalf("value = %s", v)
	}
}

func TestDetailsScan(t *testing.T) {
	tests := []struct {
		name    string
		src     interface{}
		want    int
		wantErr bool
	}{
		{"nil", nil, 0, false},
		{"bytes", []byte(`{"a":1,"b":"x"}`), 2, false},
		{"string", `{"a":1}`, 1, false},
		{"bad json", []byte(`{`), 0, true},
		{"unsupported", 42, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Details
			err := d.Scan(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(d) != tt.want {
				t.Fatalf("len = %d, want %d", len(d), tt.want)
			}
		})
	}
}

func TestSessionRecordOpen(t *testing.T) {
	r := &SessionRecord{}
	if !r.Open() {
		t.Fatal("record without closed_at should be open")
	}
}
