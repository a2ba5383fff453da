// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package linux

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDirent64Layout(t *testing.T) {
	d := Dirent64{Ino: 0x0102030405060708, Off: 3, Type: DT_DIR, Name: "abc"}
	if got := d.SizeBytes(); got != 24 {
		t.Fatalf("SizeBytes: got %d, wanted 24", got)
	}
	buf := bytes.Repeat([]byte{0xff}, 32)
	rest := d.MarshalBytes(buf)
	if len(rest) != 8 {
		t.Errorf("remainder: got %d bytes, wanted 8", len(rest))
	}
	want := []byte{
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // d_ino
		0x03, 0, 0, 0, 0, 0, 0, 0, // d_off
		24, 0, // d_reclen
		DT_DIR,        // d_type
		'a', 'b', 'c', // d_name
		0, 0, // NUL and padding
	}
	if diff := cmp.Diff(want, buf[:24]); diff != "" {
		t.Errorf("MarshalBytes mismatch (-want +got):\n%s", diff)
	}
}

func TestDirent64SizeAlignment(t *testing.T) {
	for _, tc := range []struct {
		name string
		want int
	}{
		{".", 24},
		{"abcd", 24},
		{"abcde", 32},
		{"abcdefghijkl", 32},
		{"abcdefghijklm", 40},
	} {
		d := Dirent64{Name: tc.name}
		if got := d.SizeBytes(); got != tc.want {
			t.Errorf("SizeBytes(%q): got %d, wanted %d", tc.name, got, tc.want)
		}
	}
}

func TestDirent64Unmarshal(t *testing.T) {
	in := []Dirent64{
		{Ino: 1, Off: 1, Type: DT_DIR, Name: "."},
		{Ino: 1, Off: 2, Type: DT_DIR, Name: ".."},
		{Ino: 7, Off: 3, Type: DT_REG, Name: "hello.txt"},
	}
	var buf []byte
	for i := range in {
		rec := make([]byte, in[i].SizeBytes())
		in[i].MarshalBytes(rec)
		buf = append(buf, rec...)
	}
	var out []Dirent64
	for len(buf) > 0 {
		var d Dirent64
		var ok bool
		if buf, ok = d.UnmarshalBytes(buf); !ok {
			t.Fatalf("UnmarshalBytes failed after %d records", len(out))
		}
		out = append(out, d)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFileModeString(t *testing.T) {
	if got, want := FileMode(ModeDirectory|0755).String(), "S_IFDIR|0o755"; got != want {
		t.Errorf("String: got %q, wanted %q", got, want)
	}
	if !FileMode(ModeDirectory | 0700).IsDir() {
		t.Errorf("IsDir: got false, wanted true")
	}
}
