package session

import (
	"context"
	"sync"
	"testing"
)

func TestFactoryMemoizesClient(t *testing.T) {
	factory := NewFactory(testConfig(), "sqlite3")
	ctx := context.Background()

	first, err := factory.Client(ctx)
	if err != nil {
		t.Fatalf("first Client: %v", err)
	}
	second, err := factory.Client(ctx)
	if err != nil {
		t.Fatalf("second Client: %v", err)
	}
	if first != second {
		t.Fatalf("factory built two distinct clients")
	}
}

func TestFactoryConcurrentCallersShareOneBuild(t *testing.T) {
	factory := NewFactory(testConfig(), "sqlite3")
	ctx := context.Background()

	const callers = 16
	results := make([]*Client, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			c, err := factory.Client(ctx)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different client", i)
		}
	}
}

func TestFactoryResetBumpsGeneration(t *testing.T) {
	factory := NewFactory(testConfig(), "sqlite3")
	ctx := context.Background()

	if _, err := factory.Client(ctx); err != nil {
		t.Fatalf("Client: %v", err)
	}
	gen := factory.Generation()
	factory.Reset()
	if factory.Peek() != nil {
		t.Fatalf("Peek should be nil after Reset")
	}
	if factory.Generation() != gen+1 {
		t.Fatalf("generation = %d, want %d", factory.Generation(), gen+1)
	}

	rebuilt, err := factory.Client(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if err := rebuilt.HealthCheck(ctx); err != nil {
		t.Fatalf("rebuilt client unhealthy: %v", err)
	}
}

func TestFactoryUnknownDriverFails(t *testing.T) {
	factory := NewFactory(testConfig(), "oracle")
	if _, err := factory.Client(context.Background()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
