package monitoring

import (
	"fmt"
	"log"
	"sync"
	"testing"
)

func TestSetLogger(t *testing.T) {
	defer SetLogger(log.Printf)

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("trial %d", 3)
	Prefixed("[link] ")("overflow after %s", "800ms")

	want := []string{"trial 3", "[link] overflow after 800ms"}
	if len(got) != len(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}

	called := false
	SetLogger(func(string, ...interface{}) { called = true })
	SetLogger(nil)
	Logf("muted")
	if called {
		t.Error("no-op logger forwarded to the previous logger")
	}
}

func TestLogf_ConcurrentSwap(t *testing.T) {
	defer SetLogger(log.Printf)
	SetLogger(nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Logf("message %d", j)
			}
		}()
	}
	for i := 0; i < 10; i++ {
		SetLogger(nil)
	}
	wg.Wait()
}
