package blob

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateKey(t *testing.T) {
	longValidPath := strings.Repeat("a/", 1024)
	longInvalidPath := strings.Repeat("a\\", 1024)

	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "empty-key", key: "", want: false},
		{name: "key-too-long", key: longValidPath, want: false},
		{name: "key-too-long-backslash", key: longInvalidPath, want: false},
		{name: "upload-key", key: "uploads/acme/3f1c/report.pdf", want: true},
		{name: "utf8-key", key: "uploads/acme/3f1c/✅.png", want: true},
		{name: "dot", key: ".", want: false},
		{name: "dotdot", key: "..", want: false},
		{name: "backslashes", key: "uploads\\acme\\file", want: false},
		{name: "relative-segment", key: "uploads/../file", want: false},
		{name: "leading-slash", key: "/uploads/file", want: false},
		{name: "invalid-utf8", key: "test\xffstring", want: false},
	}

	for _, test := range tests {
		assert.Equal(t, test.want, ValidateKey(test.key), test.name)
	}
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"my holiday photo.jpg", "my_holiday_photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{"C:\\Users\\me\\file.txt", "file.txt"},
		{"..", "file"},
		{"", "file"},
		{"a..b.txt", "a_b.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFileName(tt.in), tt.in)
	}
}

func TestUploadKey(t *testing.T) {
	key := UploadKey("acme", "0b6f", "my file.png")
	assert.Equal(t, "uploads/acme/0b6f/my_file.png", key)
	assert.True(t, ValidateKey(key))

	assert.Equal(t, "uploads/default/0b6f/x.bin", UploadKey("", "0b6f", "x.bin"))
}

func TestSessionIDFromKey(t *testing.T) {
	id, ok := SessionIDFromKey(UploadKey("acme", "0b6f", "my file.png"))
	assert.True(t, ok)
	assert.Equal(t, "0b6f", id)

	for _, key := range []string{
		"",
		"uploads/acme/0b6f",
		"uploads/acme//x.bin",
		"other/acme/0b6f/x.bin",
		"uploads/acme/0b6f/nested/x.bin",
	} {
		_, ok := SessionIDFromKey(key)
		assert.False(t, ok, key)
	}
}
