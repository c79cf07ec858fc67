package soundmic

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestWriteCrashlog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Date(2024, 3, 9, 21, 4, 5, 0, time.UTC)

	path, err := writeCrashlog(dir, now, "pulse", 3, "index out of range", []byte("goroutine 1 [running]"))
	if err != nil {
		t.Fatalf("writeCrashlog() unexpected error: %v", err)
	}

	if !strings.HasSuffix(path, "soundmic-crash-2024.03.09-21.04.05.log") {
		t.Errorf("path = %s", path)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read crashlog: %v", err)
	}

	for _, want := range []string{"Backend: pulse", "Active sounds: 3", "index out of range", "goroutine 1"} {
		if !strings.Contains(string(contents), want) {
			t.Errorf("crashlog does not contain %q", want)
		}
	}
}
