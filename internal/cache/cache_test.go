package cache_test

import (
	"fmt"
	"testing"

	"stageline/internal/cache"
)

func TestGetOrCreateReusesValues(t *testing.T) {
	c, err := cache.New[string, int](4)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	factory := func() (int, error) {
		calls++
		return calls, nil
	}
	v, err := c.GetOrCreate("a", factory)
	if err != nil || v != 1 {
		t.Fatalf("first create: %d, %v", v, err)
	}
	v, err = c.GetOrCreate("a", factory)
	if err != nil || v != 1 {
		t.Fatalf("cached value: %d, %v", v, err)
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestFactoryErrorsNotCached(t *testing.T) {
	c, err := cache.New[string, int](4)
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	if _, err := c.GetOrCreate("a", func() (int, error) {
		calls++
		return 0, fmt.Errorf("boom")
	}); err == nil {
		t.Fatal("expected factory error")
	}
	v, err := c.GetOrCreate("a", func() (int, error) {
		calls++
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Fatalf("retry after error: %d, %v", v, err)
	}
	if calls != 2 {
		t.Fatalf("factory called %d times, want 2", calls)
	}
}

func TestClearEvictsEverything(t *testing.T) {
	c, err := cache.New[string, int](4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("k%d", i)
		if _, err := c.GetOrCreate(key, func() (int, error) { return i, nil }); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d, want 3", c.Len())
	}
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("len after clear = %d, want 0", c.Len())
	}
}
