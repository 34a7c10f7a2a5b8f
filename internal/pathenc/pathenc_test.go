package pathenc

import (
	"errors"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "unix path", path: "/home/dev/project", want: `\home\dev\project`},
		{name: "windows path", path: `C:\Users\dev\project`, want: `C:\Users\dev\project`},
		{name: "mixed separators", path: `C:/Users\dev/project`, want: `C:\Users\dev\project`},
		{name: "unicode", path: "/srv/projét/データ", want: `\srv\projét\データ`},
		{name: "root", path: "/", want: `\`},
		{name: "spaces and dots", path: "/tmp/my project/.hidden", want: `\tmp\my project\.hidden`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.path)
			got, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode(%q) error: %v", encoded, err)
			}
			if got != tc.want {
				t.Errorf("Decode(Encode(%q)) = %q, want %q", tc.path, got, tc.want)
			}
		})
	}
}

func TestEncodeIsFlatAndURLSafe(t *testing.T) {
	for _, p := range []string{"/a/b/c", `C:\x\y`, "/very/long/" + strings.Repeat("segment/", 20)} {
		name := Encode(p)
		if strings.ContainsAny(name, `/\+=`) {
			t.Errorf("Encode(%q) = %q contains separator, padding or non URL-safe characters", p, name)
		}
	}
}

func TestEncodeSameLogicalPathAcrossSeparators(t *testing.T) {
	if Encode("/home/dev") != Encode(`\home\dev`) {
		t.Error("forward and back slash forms should encode identically")
	}
}

func TestEncodeIsCaseSensitive(t *testing.T) {
	if Encode("/Home/Dev") == Encode("/home/dev") {
		t.Error("paths differing only in case must encode differently")
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, name := range []string{"", "not base64!", "a/b", "===="} {
		_, err := Decode(name)
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Errorf("Decode(%q) error = %v, want *DecodeError", name, err)
		}
	}
}

func TestNativeRestoresHostSeparator(t *testing.T) {
	decoded, err := Decode(Encode("/home/dev/project"))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if got := Native(decoded); got != "/home/dev/project" && got != `\home\dev\project` {
		t.Errorf("Native(%q) = %q", decoded, got)
	}
}
